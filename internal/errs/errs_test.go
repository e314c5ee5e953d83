package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"direct", E(KindConflict, "push", "", nil), KindConflict},
		{"wrapped", fmt.Errorf("outer: %w", E(KindStorageUnavailable, "put", "", nil)), KindStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("read: %w", NotFoundf("catalog.GetFile", "file %s", "a.txt"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.True(t, Is(err, KindNotFound))
}

func TestErrorStringAndMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindStorageUnavailable, "storage.Put", "cache store unreachable", cause)

	assert.Equal(t, "storage.Put: STORAGE_UNAVAILABLE: cache store unreachable: connection refused", err.Error())
	assert.Equal(t, "cache store unreachable", Message(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection refused", Message(E(KindRemoteError, "", "", cause)))
}
