package agent

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseSchedule verifies cron expressions and descriptors are accepted
func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "@every 1m", "@hourly"} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "every minute", "* * *"} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
}

// TestLoop_RunsUntilCancelled verifies scheduled invocations happen and the
// loop returns once the context is cancelled
func TestLoop_RunsUntilCancelled(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)
	a := env.newAgent(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- a.Loop(ctx, "@every 1s", func(out *Outcome, err error) {
			if err == nil && out != nil {
				runs.Add(1)
			}
			cancel()
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, int32(1), runs.Load())
	assert.Len(t, env.server.received(), 1)
}

// TestLoop_InvalidSchedule verifies the loop refuses to start
func TestLoop_InvalidSchedule(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)
	err := env.newAgent(t, false).Loop(context.Background(), "nonsense", nil)
	assert.Error(t, err)
}
