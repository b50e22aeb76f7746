// Package supervisor runs long-lived workers under a one-for-one
// restart policy with bounded restart intensity. A child that fails is
// restarted until it exceeds max restarts inside the rolling window;
// exceeding the budget escalates by terminating the whole supervisor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/observe"
)

// ErrIntensityExceeded reports that a child burned through its restart
// budget and the supervisor escalated.
var ErrIntensityExceeded = errors.New("restart intensity exceeded")

// Intensity is a restart budget: at most MaxRestarts within Window.
type Intensity struct {
	MaxRestarts int
	Window      time.Duration
}

// Default intensities per subtree.
var (
	RootIntensity     = Intensity{MaxRestarts: 3, Window: 10 * time.Second}
	RoomIntensity     = Intensity{MaxRestarts: 20, Window: 60 * time.Second}
	BridgeIntensity   = Intensity{MaxRestarts: 6, Window: 30 * time.Second}
	OutboundIntensity = Intensity{MaxRestarts: 30, Window: 60 * time.Second}
	ReplayIntensity   = Intensity{MaxRestarts: 10, Window: 60 * time.Second}
)

// Spec declares one supervised child. Start must block until the child
// stops; returning nil means a clean exit and the child is not
// restarted. Returning an error triggers a restart.
type Spec struct {
	Name      string
	Start     func(ctx context.Context) error
	Intensity Intensity
}

type child struct {
	spec     Spec
	restarts []time.Time
	cancel   context.CancelFunc
}

// Supervisor owns a dynamic set of children under one-for-one restart.
type Supervisor struct {
	name     string
	log      *slog.Logger
	observer observe.Observer
	now      func() time.Time

	mu       sync.Mutex
	children map[string]*child
	group    *errgroup.Group
	ctx      context.Context
	started  bool
}

// New creates a Supervisor. The observer may be nil.
func New(name string, obs observe.Observer) *Supervisor {
	if obs == nil {
		obs = observe.Nop{}
	}
	return &Supervisor{
		name:     name,
		log:      logger.L.With(slog.String("component", "supervisor"), slog.String("tree", name)),
		observer: obs,
		now:      time.Now,
		children: map[string]*child{},
	}
}

// Run supervises until ctx is canceled or a child escalates. It blocks.
// Children added before Run are launched immediately; later StartChild
// calls attach to the running tree.
func (s *Supervisor) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group = group
	s.ctx = gctx
	s.started = true
	pending := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		pending = append(pending, c)
	}
	s.mu.Unlock()

	for _, c := range pending {
		s.launch(c)
	}

	// Keep the tree alive while children come and go; Wait returns on
	// cancellation or escalation.
	group.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor %s: %w", s.name, err)
	}
	return nil
}

// StartChild registers a child and, if the tree is running, launches it.
func (s *Supervisor) StartChild(spec Spec) error {
	if spec.Name == "" || spec.Start == nil {
		return fmt.Errorf("child spec requires name and start function")
	}
	if spec.Intensity.MaxRestarts <= 0 {
		spec.Intensity = RootIntensity
	}
	c := &child{spec: spec}
	s.mu.Lock()
	if _, exists := s.children[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("child already registered: %s", spec.Name)
	}
	s.children[spec.Name] = c
	running := s.started
	s.mu.Unlock()
	if running {
		s.launch(c)
	}
	return nil
}

// StopChild cancels the named child and removes it from the tree. A
// canceled child exits cleanly and is not restarted.
func (s *Supervisor) StopChild(name string) bool {
	s.mu.Lock()
	c, ok := s.children[name]
	if ok {
		delete(s.children, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if c.cancel != nil {
		c.cancel()
	}
	return true
}

// ChildNames returns the registered child names.
func (s *Supervisor) ChildNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	return names
}

func (s *Supervisor) launch(c *child) {
	s.mu.Lock()
	group := s.group
	parent := s.ctx
	childCtx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	s.mu.Unlock()

	group.Go(func() error {
		defer cancel()
		for {
			err := runChild(childCtx, c.spec)
			if err == nil || childCtx.Err() != nil {
				return nil
			}
			if !s.recordRestart(c) {
				s.log.Error("child exhausted restart budget",
					slog.String("child", c.spec.Name),
					slog.Any("error", err))
				return fmt.Errorf("child %s: %w", c.spec.Name, ErrIntensityExceeded)
			}
			s.log.Warn("restarting child",
				slog.String("child", c.spec.Name),
				slog.Any("error", err))
			s.observer.WorkerRestarted(c.spec.Name)
		}
	})
}

// recordRestart appends a restart timestamp and prunes entries outside
// the rolling window. It reports whether the budget still allows it.
func (s *Supervisor) recordRestart(c *child) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-c.spec.Intensity.Window)
	kept := c.restarts[:0]
	for _, ts := range c.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.restarts = append(kept, now)
	return len(c.restarts) <= c.spec.Intensity.MaxRestarts
}

func runChild(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("child %s panicked: %v", spec.Name, r)
		}
	}()
	return spec.Start(ctx)
}
