package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRunner(t *testing.T, workers int) (*Runner, context.CancelFunc) {
	t.Helper()
	r := NewRunner(RunnerOpts{Workers: workers})
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	require.Eventually(t, func() bool { return r.started.Load() }, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	return r, cancel
}

func TestDo_ReturnsResult(t *testing.T) {
	r, _ := startRunner(t, 2)

	got, err := Do(context.Background(), r, func(ctx context.Context) (string, error) {
		return "posted", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "posted", got)
}

func TestDo_PropagatesWorkError(t *testing.T) {
	r, _ := startRunner(t, 1)
	boom := errors.New("rest call failed")

	_, err := Do(context.Background(), r, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDo_RecoversPanic(t *testing.T) {
	r, _ := startRunner(t, 1)

	_, err := Do(context.Background(), r, func(ctx context.Context) (int, error) {
		panic("nil session")
	})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nil session", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// The worker slot survives the panic.
	v, err := Do(context.Background(), r, func(ctx context.Context) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestDo_NotStarted(t *testing.T) {
	r := NewRunner(RunnerOpts{})
	_, err := Do(context.Background(), r, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestDo_AfterShutdown(t *testing.T) {
	r, cancel := startRunner(t, 1)
	cancel()
	<-r.Done()

	_, err := Do(context.Background(), r, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestDo_RunnerCancelledMidJob(t *testing.T) {
	r, cancel := startRunner(t, 1)

	entered := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), r, func(ctx context.Context) (int, error) {
			close(entered)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		errCh <- err
	}()

	<-entered
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRunnerCancelled)
	case <-time.After(time.Second):
		t.Fatal("job was not cancelled with the runner")
	}
}

func TestDo_CallerContextCancelled(t *testing.T) {
	r, _ := startRunner(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Do(ctx, r, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_WorkerSlotsBoundConcurrency(t *testing.T) {
	r, _ := startRunner(t, 2)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Do(context.Background(), r, func(ctx context.Context) (struct{}, error) {
				<-release
				return struct{}{}, nil
			})
		}()
	}
	require.Eventually(t, func() bool { return r.InFlight() == 2 }, time.Second, time.Millisecond)

	// A third caller cannot get a slot while both are held.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := Do(ctx, r, func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
}

func TestRun_RejectsSecondStart(t *testing.T) {
	r, _ := startRunner(t, 1)
	err := r.Run(context.Background())
	assert.Error(t, err)
}
