package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	err := New(KindPortConflict, "api", "port 4601 still bound", nil)
	wrapped := fmt.Errorf("start api: %w", err)

	assert.ErrorIs(t, wrapped, ErrPortConflict)
	assert.NotErrorIs(t, wrapped, ErrLaunch)
	assert.Equal(t, KindPortConflict, KindOf(wrapped))
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("exec: \"python3\": executable file not found in $PATH")
	err := New(KindLaunch, "core", "", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "launch error [core]: "+cause.Error(), err.Error())
}

func TestConfigurationMessage(t *testing.T) {
	err := Configuration("cycle: %s", "A -> B -> A")

	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "configuration error: cycle: A -> B -> A", err.Error())
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, "unknown", KindOf(nil).String())
}
