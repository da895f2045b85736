package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPinger struct {
	calls atomic.Int64
	err   error
}

func (p *countingPinger) Ping(context.Context) error {
	p.calls.Add(1)
	return p.err
}

func TestRunnerKeepAlivePingsWhileActive(t *testing.T) {
	r := &Runner{pingInterval: 5 * time.Millisecond, logger: slog.Default()}
	pinger := &countingPinger{}

	stop := r.startPings(context.Background(), "run-1", pinger)
	require.Eventually(t, func() bool {
		return pinger.calls.Load() >= 2
	}, time.Second, time.Millisecond, "keep-alives should fire on the interval")

	stop()
	time.Sleep(10 * time.Millisecond)
	settled := pinger.calls.Load()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, settled, pinger.calls.Load(), "no pings after stop")
	stop() // second call is a no-op
}

func TestRunnerKeepAliveSurvivesPingErrors(t *testing.T) {
	r := &Runner{pingInterval: 5 * time.Millisecond, logger: slog.Default()}
	pinger := &countingPinger{err: errors.New("connection reset")}

	stop := r.startPings(context.Background(), "run-1", pinger)
	defer stop()

	require.Eventually(t, func() bool {
		return pinger.calls.Load() >= 3
	}, time.Second, time.Millisecond, "the loop keeps ticking through failures")
}

func TestRunnerKeepAliveDisabledByZeroInterval(t *testing.T) {
	r := &Runner{logger: slog.Default()}
	pinger := &countingPinger{}

	stop := r.startPings(context.Background(), "run-1", pinger)
	defer stop()

	time.Sleep(25 * time.Millisecond)
	assert.Zero(t, pinger.calls.Load())
}
