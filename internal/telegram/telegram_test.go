package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/gotd/td/telegram/updates"
)

// blockingRunner 模拟更新管理器：启动后阻塞直到 ctx 取消
func blockingRunner(started *bool, stopped chan<- struct{}) updateRunner {
	return func(ctx context.Context, opt updates.AuthOptions) error {
		*started = true
		opt.OnStart(ctx)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}
}

func TestRunWithUpdatesRunsFnAfterStart(t *testing.T) {
	var started bool
	stopped := make(chan struct{})
	wantErr := errors.New("fn failed")

	err := runWithUpdates(context.Background(), blockingRunner(&started, stopped), func(ctx context.Context) error {
		if !started {
			t.Fatalf("fn ran before the update manager started")
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	select {
	case <-stopped:
	default:
		t.Fatalf("update manager was not stopped after fn returned")
	}
}

func TestRunWithUpdatesStartFailure(t *testing.T) {
	runErr := errors.New("get state failed")
	called := false

	err := runWithUpdates(context.Background(), func(ctx context.Context, opt updates.AuthOptions) error {
		return runErr
	}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, runErr) {
		t.Fatalf("err = %v, want %v", err, runErr)
	}
	if called {
		t.Fatalf("fn must not run when the update manager fails to start")
	}
}

func TestRunWithUpdatesCleanStop(t *testing.T) {
	var started bool
	stopped := make(chan struct{})

	err := runWithUpdates(context.Background(), blockingRunner(&started, stopped), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("runWithUpdates failed: %v", err)
	}
	<-stopped
}
