package http

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesPerSession(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "s1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "s1")
	var busy ErrTurnInProgress
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "s1", busy.SessionID)

	// Other sessions are independent.
	release2, err := l.Acquire(ctx, "s2")
	require.NoError(t, err)
	release2()

	release()
	release3, err := l.Acquire(ctx, "s1")
	require.NoError(t, err)
	release3()
}
