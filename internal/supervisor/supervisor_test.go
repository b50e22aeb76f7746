package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRestartsFailingChild(t *testing.T) {
	t.Parallel()
	sup := New("test", nil)

	var runs atomic.Int32
	recovered := make(chan struct{})
	err := sup.StartChild(Spec{
		Name: "flaky",
		Start: func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("boom")
			}
			close(recovered)
			return nil
		},
		Intensity: Intensity{MaxRestarts: 5, Window: time.Minute},
	})
	if err != nil {
		t.Fatalf("start child: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-recovered:
	case <-time.After(5 * time.Second):
		t.Fatalf("child never recovered")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("expected 3 runs, got %d", got)
	}
}

func TestEscalatesWhenBudgetExhausted(t *testing.T) {
	t.Parallel()
	sup := New("test", nil)

	if err := sup.StartChild(Spec{
		Name: "doomed",
		Start: func(ctx context.Context) error {
			return errors.New("always fails")
		},
		Intensity: Intensity{MaxRestarts: 2, Window: time.Minute},
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Run(ctx)
	if !errors.Is(err, ErrIntensityExceeded) {
		t.Fatalf("expected ErrIntensityExceeded, got %v", err)
	}
}

func TestRecoversPanickingChild(t *testing.T) {
	t.Parallel()
	sup := New("test", nil)

	var runs atomic.Int32
	recovered := make(chan struct{})
	if err := sup.StartChild(Spec{
		Name: "panicky",
		Start: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				panic("unexpected state")
			}
			close(recovered)
			return nil
		},
		Intensity: Intensity{MaxRestarts: 3, Window: time.Minute},
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-recovered:
	case <-time.After(5 * time.Second):
		t.Fatalf("child never recovered from panic")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected panic then clean rerun, got %d runs", got)
	}
}

func TestStopChildCancelsWithoutRestart(t *testing.T) {
	t.Parallel()
	sup := New("test", nil)

	started := make(chan struct{})
	stopped := make(chan struct{})
	if err := sup.StartChild(Spec{
		Name: "longrunner",
		Start: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(stopped)
			return ctx.Err()
		},
		Intensity: Intensity{MaxRestarts: 3, Window: time.Minute},
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	<-started
	if !sup.StopChild("longrunner") {
		t.Fatalf("StopChild returned false")
	}
	if sup.StopChild("longrunner") {
		t.Fatalf("second StopChild should return false")
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("child not canceled by StopChild")
	}
	if len(sup.ChildNames()) != 0 {
		t.Fatalf("child still registered after stop")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDynamicChildJoinsRunningTree(t *testing.T) {
	t.Parallel()
	sup := New("test", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Give Run a moment to take ownership of the tree.
	time.Sleep(20 * time.Millisecond)

	ran := make(chan struct{})
	if err := sup.StartChild(Spec{
		Name: "late",
		Start: func(ctx context.Context) error {
			close(ran)
			return nil
		},
		Intensity: Intensity{MaxRestarts: 1, Window: time.Minute},
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("late child never ran")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
