package bluetooth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOpPlatformResultWins(t *testing.T) {
	// GOAL: Verify a request/response operation resolves with the platform
	// result when the link stays up.

	disconnected := make(chan struct{})
	got, err := resolveOp(context.Background(), "dev-a", disconnected, func() ([]byte, error) {
		return []byte{0xAB}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB}, got)
}

func TestResolveOpWrapsPlatformErrors(t *testing.T) {
	disconnected := make(chan struct{})
	_, err := resolveOp(context.Background(), "dev-a", disconnected, func() ([]byte, error) {
		return nil, errors.New("att timeout")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlatform), "raw stack errors MUST come back typed")
}

func TestResolveOpLinkDropSettlesBlockedOperation(t *testing.T) {
	// TEST SCENARIO: The platform call hangs and the peripheral drops the
	// link. The operation resolves immediately with UnexpectedDisconnection;
	// the platform call's eventual return finds the slot settled and changes
	// nothing.

	disconnected := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan struct{})

	close(disconnected)
	got, err := resolveOp(context.Background(), "dev-a", disconnected, func() ([]byte, error) {
		<-release
		close(returned)
		return []byte{0xFF}, nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedDisconnection))
	assert.Nil(t, got, "a link drop MUST NOT deliver a partial value")

	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("the blocked platform call never returned")
	}
}

func TestResolveOpContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	disconnected := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	_, err := resolveOp(ctx, "dev-a", disconnected, func() (bool, error) {
		<-release
		return true, nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
