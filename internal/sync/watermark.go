package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/store"
)

// Watermark tracks the progress of one account. Its value is the largest
// UID w such that every listed UID <= w has a persisted decision.
// Decisions above the value are persisted individually so they are never
// made twice.
type Watermark struct {
	store   store.Store
	account string
	value   uint32
	decided map[uint32]model.Decision

	// listed holds the UIDs above value seen in the current listing,
	// ascending.
	listed []uint32
}

// LoadWatermark registers the account if needed and loads its progress.
// initial seeds the value for an account the store has never seen.
func LoadWatermark(
	ctx context.Context,
	s store.Store,
	account, name string,
	initial uint32,
) (*Watermark, error) {
	value, err := s.EnsureAccount(ctx, account, name, initial)
	if err != nil {
		return nil, fmt.Errorf("loading watermark: %w", err)
	}

	decided, err := s.DecidedAbove(ctx, account, value)
	if err != nil {
		return nil, fmt.Errorf("loading decisions: %w", err)
	}

	return &Watermark{
		store:   s,
		account: account,
		value:   value,
		decided: decided,
	}, nil
}

// Value returns the current watermark.
func (w *Watermark) Value() uint32 {
	return w.value
}

// Decided reports whether uid already has a decision.
func (w *Watermark) Decided(uid uint32) bool {
	if uid <= w.value {
		return true
	}
	_, ok := w.decided[uid]
	return ok
}

// Observe records the folder listing and returns the candidate UIDs:
// those above the watermark without a decision, ascending. Decisions
// left over from an interrupted cycle may advance the watermark here.
func (w *Watermark) Observe(ctx context.Context, uids []uint32) ([]uint32, error) {
	w.listed = w.listed[:0]
	for _, uid := range uids {
		if uid > w.value {
			w.listed = append(w.listed, uid)
		}
	}
	sort.Slice(w.listed, func(i, j int) bool { return w.listed[i] < w.listed[j] })
	w.listed = dedupe(w.listed)

	var candidates []uint32
	for _, uid := range w.listed {
		if !w.Decided(uid) {
			candidates = append(candidates, uid)
		}
	}

	if err := w.advance(ctx); err != nil {
		return nil, err
	}
	return candidates, nil
}

// Decide persists the decision for uid and then moves the watermark over
// any newly contiguous decided prefix.
func (w *Watermark) Decide(ctx context.Context, uid uint32, d model.Decision) error {
	if w.Decided(uid) {
		return nil
	}
	if err := w.store.MarkDecided(ctx, w.account, uid, d); err != nil {
		return err
	}
	w.decided[uid] = d
	return w.advance(ctx)
}

func (w *Watermark) advance(ctx context.Context) error {
	next := w.value
	n := 0
	for _, uid := range w.listed {
		if _, ok := w.decided[uid]; !ok {
			break
		}
		next = uid
		n++
	}
	if next == w.value {
		return nil
	}

	if err := w.store.SetWatermark(ctx, w.account, next); err != nil {
		return err
	}

	w.value = next
	w.listed = w.listed[n:]
	for uid := range w.decided {
		if uid <= next {
			delete(w.decided, uid)
		}
	}
	return nil
}

func dedupe(sorted []uint32) []uint32 {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
