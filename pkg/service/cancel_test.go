package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

func TestCancelRegistry(t *testing.T) {
	t.Run("RequestIsSticky", func(t *testing.T) {
		r := NewCancelRegistry()
		r.Register("t1")
		assert.False(t, r.Requested("t1"))
		assert.NoError(t, r.Check("t1"))

		assert.True(t, r.Request("t1"))
		assert.True(t, r.Requested("t1"))
		assert.Equal(t, ErrCancelled, r.Check("t1"))

		// Repeat requests report already-recorded.
		assert.False(t, r.Request("t1"))
		assert.True(t, r.Requested("t1"))
	})

	t.Run("ArmedKillFiresOnRequest", func(t *testing.T) {
		r := NewCancelRegistry()
		r.Register("t1")
		ctx, kill := context.WithCancel(context.Background())
		r.Arm("t1", kill)
		assert.NoError(t, ctx.Err())

		r.Request("t1")
		assert.Error(t, ctx.Err())
	})

	t.Run("ArmAfterPendingRequestFiresImmediately", func(t *testing.T) {
		r := NewCancelRegistry()
		r.Register("t1")
		r.Request("t1")

		ctx, kill := context.WithCancel(context.Background())
		r.Arm("t1", kill)
		assert.Error(t, ctx.Err())
	})

	t.Run("ReleaseClearsState", func(t *testing.T) {
		r := NewCancelRegistry()
		r.Register("t1")
		r.Request("t1")
		r.Release("t1")
		assert.False(t, r.Requested("t1"))
		assert.NoError(t, r.Check("t1"))
	})
}
