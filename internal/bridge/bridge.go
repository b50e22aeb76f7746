// Package bridge supervises one worker per configured bridge. A worker
// runs the adapter's listener specs (pollers, socket loops) and tracks
// the bridge's health. The manager reconciles workers against config
// store snapshots: credential or adapter changes restart the worker,
// revision-only changes are absorbed in place.
package bridge

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/observe"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/supervisor"
)

// Health is a point-in-time snapshot of one bridge worker.
type Health struct {
	BridgeID       string    `json:"bridge_id"`
	Enabled        bool      `json:"enabled"`
	Revision       uint64    `json:"revision"`
	ListenerCount  int       `json:"listener_count"`
	LastIngressAt  time.Time `json:"last_ingress_at,omitempty"`
	LastOutboundAt time.Time `json:"last_outbound_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Manager owns the bridge workers and keeps them in sync with the
// config store.
type Manager struct {
	configs  *configstore.ConfigStore
	registry *adapter.Registry
	sup      *supervisor.Supervisor
	bus      *signal.Bus
	observer observe.Observer
	log      *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
}

// ManagerOptions configures a bridge Manager.
type ManagerOptions struct {
	Configs  *configstore.ConfigStore
	Registry *adapter.Registry
	Sup      *supervisor.Supervisor
	Bus      *signal.Bus
	Observer observe.Observer
}

// NewManager wires a Manager.
func NewManager(opts ManagerOptions) *Manager {
	obs := opts.Observer
	if obs == nil {
		obs = observe.Nop{}
	}
	return &Manager{
		configs:  opts.Configs,
		registry: opts.Registry,
		sup:      opts.Sup,
		bus:      opts.Bus,
		observer: obs,
		log:      logger.L.With(slog.String("component", "bridge")),
		workers:  map[string]*Worker{},
	}
}

// Run reconciles once, then again on every config change until the
// context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.Reconcile(ctx)
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	sub := m.bus.Subscribe(signal.TopicConfigChanged)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile aligns running workers with the current snapshot.
func (m *Manager) Reconcile(ctx context.Context) {
	snap := m.configs.Snapshot()
	desired := map[string]configstore.BridgeConfig{}
	for _, cfg := range snap.Bridges() {
		if cfg.Enabled {
			desired[cfg.ID] = cfg
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range m.workers {
		cfg, keep := desired[id]
		if !keep {
			m.log.Info("stopping bridge worker", slog.String("bridge_id", id))
			m.sup.StopChild(w.childName())
			delete(m.workers, id)
			m.announce(id, "stopped")
			continue
		}
		if w.needsRestart(cfg) {
			m.log.Info("restarting bridge worker on config change", slog.String("bridge_id", id))
			m.sup.StopChild(w.childName())
			delete(m.workers, id)
			m.announce(id, "restarting")
			// Falls through to the start loop below via desired.
			continue
		}
		w.updateConfig(cfg)
		delete(desired, id)
	}

	for id, cfg := range desired {
		if _, running := m.workers[id]; running {
			continue
		}
		w := newWorker(m, cfg)
		if err := m.sup.StartChild(supervisor.Spec{
			Name:      w.childName(),
			Start:     w.run,
			Intensity: supervisor.BridgeIntensity,
		}); err != nil {
			m.log.Error("start bridge worker failed",
				slog.String("bridge_id", id), slog.Any("error", err))
			continue
		}
		m.workers[id] = w
		m.announce(id, "started")
	}
}

func (m *Manager) announce(bridgeID, status string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(signal.TopicBridgeStatus, map[string]any{
		"bridge_id": bridgeID,
		"status":    status,
	})
}

// Worker returns the live worker for a bridge, if any.
func (m *Manager) Worker(bridgeID string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[bridgeID]
	return w, ok
}

// MarkIngress records inbound activity for the bridge.
func (m *Manager) MarkIngress(bridgeID string) {
	if w, ok := m.Worker(bridgeID); ok {
		w.markIngress()
	}
}

// MarkOutbound records outbound activity for the bridge.
func (m *Manager) MarkOutbound(bridgeID string) {
	if w, ok := m.Worker(bridgeID); ok {
		w.markOutbound()
	}
}

// Health reports every running worker plus disabled bridges from the
// current snapshot.
func (m *Manager) Health() []Health {
	snap := m.configs.Snapshot()

	m.mu.Lock()
	running := make(map[string]*Worker, len(m.workers))
	for id, w := range m.workers {
		running[id] = w
	}
	m.mu.Unlock()

	out := make([]Health, 0, len(snap.Bridges()))
	for _, cfg := range snap.Bridges() {
		if w, ok := running[cfg.ID]; ok {
			out = append(out, w.health())
			continue
		}
		out = append(out, Health{BridgeID: cfg.ID, Enabled: cfg.Enabled, Revision: cfg.Revision})
	}
	return out
}

// Worker runs the listeners of one bridge and tracks its health.
type Worker struct {
	mgr *Manager
	log *slog.Logger

	mu           sync.Mutex
	cfg          configstore.BridgeConfig
	listeners    int
	lastIngress  time.Time
	lastOutbound time.Time
	lastErr      string
}

func newWorker(mgr *Manager, cfg configstore.BridgeConfig) *Worker {
	return &Worker{
		mgr: mgr,
		cfg: cfg,
		log: mgr.log.With(slog.String("bridge_id", cfg.ID)),
	}
}

func (w *Worker) childName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return "bridge:" + w.cfg.ID
}

func (w *Worker) channel() adapter.Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return adapter.Channel(strings.ToLower(strings.TrimSpace(w.cfg.AdapterModule)))
}

// needsRestart reports whether the new config invalidates the running
// worker. Revision bumps alone do not.
func (w *Worker) needsRestart(cfg configstore.BridgeConfig) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cfg.AdapterModule != cfg.AdapterModule {
		return true
	}
	return !reflect.DeepEqual(w.cfg.Credentials, cfg.Credentials)
}

func (w *Worker) updateConfig(cfg configstore.BridgeConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
}

// run starts the adapter's listener specs under a nested supervisor and
// blocks until canceled. A bridge with no listeners is purely webhook
// driven and just idles.
func (w *Worker) run(ctx context.Context) error {
	specs := w.mgr.registry.ListenerSpecs(w.channel())
	w.mu.Lock()
	w.listeners = len(specs)
	w.mu.Unlock()

	if len(specs) == 0 {
		<-ctx.Done()
		return nil
	}

	sup := supervisor.New(w.childName()+"-listeners", w.mgr.observer)
	for _, spec := range specs {
		spec := spec
		err := sup.StartChild(supervisor.Spec{
			Name:      spec.Name,
			Start:     spec.Run,
			Intensity: supervisor.BridgeIntensity,
		})
		if err != nil {
			w.setError(err.Error())
			return err
		}
	}
	if err := sup.Run(ctx); err != nil {
		w.setError(err.Error())
		return err
	}
	return nil
}

func (w *Worker) markIngress() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastIngress = time.Now()
}

func (w *Worker) markOutbound() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastOutbound = time.Now()
}

func (w *Worker) setError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = msg
}

func (w *Worker) health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Health{
		BridgeID:       w.cfg.ID,
		Enabled:        w.cfg.Enabled,
		Revision:       w.cfg.Revision,
		ListenerCount:  w.listeners,
		LastIngressAt:  w.lastIngress,
		LastOutboundAt: w.lastOutbound,
		LastError:      w.lastErr,
	}
}
