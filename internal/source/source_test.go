package source

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("connection reset")

	assert.Equal(t, "connection error (work): connection reset",
		NewError(ConnectionError, "work", cause).Error())

	e := &Error{Kind: FetchError, Account: "work", UID: 42, Err: cause}
	assert.Equal(t, "fetch error (work, uid 42): connection reset", e.Error())
	assert.ErrorIs(t, e, cause)
}

func TestKindOf(t *testing.T) {
	auth := NewError(AuthError, "work", errors.New("LOGIN failed"))
	wrapped := fmt.Errorf("cycle: %w", auth)

	assert.Equal(t, AuthError, KindOf(wrapped))
	assert.True(t, IsAuthError(wrapped))
	assert.True(t, IsAuthError(errors.Join(errors.New("other"), auth)))

	assert.Equal(t, InternalError, KindOf(errors.New("plain")))
	assert.False(t, IsAuthError(NewError(ConnectionError, "work", errors.New("x"))))
	assert.False(t, IsAuthError(nil))
}

func TestProgress_Report(t *testing.T) {
	var steps []Step
	p := Progress(func(s Step) { steps = append(steps, s) })
	p.Report(StepConnected)
	p.Report(StepAuthenticated)
	assert.Equal(t, []Step{StepConnected, StepAuthenticated}, steps)

	assert.NotPanics(t, func() { Progress(nil).Report(StepFolderSelected) })
}
