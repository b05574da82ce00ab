package errors_test

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("boom"), want: apperrors.ErrCodeUnexpected},
		{name: "predefined", err: apperrors.ErrConnectionUnavailable, want: apperrors.ErrCodeConnectionUnavailable},
		{
			name: "wrapped app error",
			err:  fmt.Errorf("flush views: %w", apperrors.Wrap(errors.New("i/o timeout"), apperrors.ErrCodeCacheCommand, "incrby")),
			want: apperrors.ErrCodeCacheCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.KindOf(tt.err))
		})
	}
}

func TestAppError_Is(t *testing.T) {
	err := apperrors.Wrap(errors.New("pool closed"), apperrors.ErrCodeConnectionUnavailable, "acquire")

	assert.True(t, errors.Is(err, apperrors.ErrConnectionUnavailable))
	assert.False(t, errors.Is(err, apperrors.ErrCacheCommand))
	assert.True(t, apperrors.IsConnectionUnavailable(fmt.Errorf("outer: %w", err)))
	assert.False(t, apperrors.IsDurableWrite(err))
}

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] post not found", apperrors.ErrPostNotFound.Error())

	err := apperrors.Wrap(errors.New("deadlock detected"), apperrors.ErrCodeDurableWrite, "update views")
	assert.Equal(t, "[DURABLE_WRITE] update views: deadlock detected", err.Error())
	assert.Equal(t, "deadlock detected", errors.Unwrap(err).Error())
}

func TestAppError_WithDetails(t *testing.T) {
	detailed := apperrors.ErrInvalidPostID.WithDetails("id=abc")

	assert.Equal(t, "id=abc", detailed.Details)
	assert.Empty(t, apperrors.ErrInvalidPostID.Details, "predefined error must not be mutated")
	assert.True(t, apperrors.IsInvalidInput(detailed))
}
