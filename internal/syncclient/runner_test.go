package syncclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRounds struct {
	calls atomic.Int32
	fail  atomic.Bool
	ran   chan struct{}
}

func newScriptedRounds() *scriptedRounds {
	return &scriptedRounds{ran: make(chan struct{}, 16)}
}

func (s *scriptedRounds) RunOnce(ctx context.Context) (RoundResult, error) {
	s.calls.Add(1)
	defer func() {
		select {
		case s.ran <- struct{}{}:
		default:
		}
	}()
	if _, ok := ctx.Deadline(); !ok {
		return RoundResult{}, errors.New("round without deadline")
	}
	if s.fail.Load() {
		return RoundResult{}, errors.New("server unreachable")
	}
	return RoundResult{Pushed: 1}, nil
}

func TestRunnerMarksNotSyncedAfterThreshold(t *testing.T) {
	rounds := newScriptedRounds()
	rounds.fail.Store(true)
	runner, err := NewRunner(RunnerConfig{Syncer: rounds, FailureThreshold: 3})
	require.NoError(t, err)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := runner.Sync(ctx)
		require.Error(t, err)
		status := runner.Status()
		assert.Equal(t, attempt, status.ConsecutiveFailures)
		assert.True(t, status.Synced)
	}

	_, err = runner.Sync(ctx)
	require.Error(t, err)
	status := runner.Status()
	assert.False(t, status.Synced)
	assert.Equal(t, "server unreachable", status.LastError)
	assert.Nil(t, status.LastSuccessAt)
	require.NotNil(t, status.LastAttemptAt)

	rounds.fail.Store(false)
	_, err = runner.Sync(ctx)
	require.NoError(t, err)
	status = runner.Status()
	assert.True(t, status.Synced)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
	assert.NotNil(t, status.LastSuccessAt)
}

func TestRunnerRunsImmediatelyAndOnTrigger(t *testing.T) {
	rounds := newScriptedRounds()
	runner, err := NewRunner(RunnerConfig{Syncer: rounds, Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitForRound(t, rounds)
	runner.Trigger()
	waitForRound(t, rounds)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.EqualValues(t, 2, rounds.calls.Load())
}

func TestRunnerTicks(t *testing.T) {
	rounds := newScriptedRounds()
	runner, err := NewRunner(RunnerConfig{Syncer: rounds, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	for range 3 {
		waitForRound(t, rounds)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	runner, err := NewRunner(RunnerConfig{Syncer: newScriptedRounds()})
	require.NoError(t, err)

	runner.Trigger()
	runner.Trigger()
	runner.Trigger()
	assert.Len(t, runner.trigger, 1)
}

func TestNewRunnerRequiresSyncer(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	require.ErrorIs(t, err, errMissingRoundRunner)
}

func waitForRound(t *testing.T, rounds *scriptedRounds) {
	t.Helper()
	select {
	case <-rounds.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync round")
	}
}
