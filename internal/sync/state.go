package sync

// State is the position of an account within one polling cycle.
type State int

const (
	Disconnected State = iota
	Connected
	Authenticated
	FolderSelected
	Listing
	FetchingBatch
	Deciding
	Idle
	Error
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connected:      "connected",
	Authenticated:  "authenticated",
	FolderSelected: "folder_selected",
	Listing:        "listing",
	FetchingBatch:  "fetching",
	Deciding:       "deciding",
	Idle:           "idle",
	Error:          "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends a cycle.
func (s State) Terminal() bool {
	return s == Idle || s == Error
}
