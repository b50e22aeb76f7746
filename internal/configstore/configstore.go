package configstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentjido/messaging/internal/signal"
)

// ErrRevisionConflict is returned when a caller supplies a revision
// that no longer matches the stored one.
var ErrRevisionConflict = errors.New("revision conflict")

// ErrNotFound is returned for missing config entities.
var ErrNotFound = errors.New("config not found")

// ErrInvalid is returned for malformed config writes.
var ErrInvalid = errors.New("invalid config")

// ErrClosed is returned once the store has been shut down.
var ErrClosed = errors.New("config store closed")

type command struct {
	apply func(*state) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

type state struct {
	bridges       map[string]BridgeConfig
	bindings      map[string]RoomBinding
	bindingByKey  map[externalKey]string
	bindingByRoom map[string][]string
	policies      map[string]RoutingPolicy
}

// ConfigStore serializes control-plane mutations through one writer
// goroutine. Readers call Snapshot and never contend with the writer.
type ConfigStore struct {
	cmds   chan command
	done   chan struct{}
	closed atomic.Bool
	snap   atomic.Pointer[Snapshot]
	bus    *signal.Bus
}

// New starts the writer goroutine. The bus is optional; when set,
// every mutation publishes a config.changed event.
func New(bus *signal.Bus) *ConfigStore {
	s := &ConfigStore{
		cmds: make(chan command),
		done: make(chan struct{}),
		bus:  bus,
	}
	st := &state{
		bridges:       map[string]BridgeConfig{},
		bindings:      map[string]RoomBinding{},
		bindingByKey:  map[externalKey]string{},
		bindingByRoom: map[string][]string{},
		policies:      map[string]RoutingPolicy{},
	}
	s.snap.Store(buildSnapshot(st))
	go s.run(st)
	return s
}

// Close stops the writer goroutine. Pending commands finish first.
func (s *ConfigStore) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.cmds)
		<-s.done
	}
}

// Snapshot returns the current immutable configuration view.
func (s *ConfigStore) Snapshot() *Snapshot {
	return s.snap.Load()
}

func (s *ConfigStore) run(st *state) {
	defer close(s.done)
	for cmd := range s.cmds {
		value, err := cmd.apply(st)
		if err == nil {
			s.snap.Store(buildSnapshot(st))
		}
		cmd.reply <- result{value: value, err: err}
	}
}

func (s *ConfigStore) submit(ctx context.Context, apply func(*state) (any, error)) (any, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	cmd := command{apply: apply, reply: make(chan result, 1)}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-cmd.reply
	return res.value, res.err
}

func buildSnapshot(st *state) *Snapshot {
	snap := &Snapshot{
		bridges:       make(map[string]BridgeConfig, len(st.bridges)),
		bindings:      make(map[string]RoomBinding, len(st.bindings)),
		bindingByKey:  make(map[externalKey]string, len(st.bindingByKey)),
		bindingByRoom: make(map[string][]string, len(st.bindingByRoom)),
		policies:      make(map[string]RoutingPolicy, len(st.policies)),
	}
	for k, v := range st.bridges {
		snap.bridges[k] = v
	}
	for k, v := range st.bindings {
		snap.bindings[k] = v
	}
	for k, v := range st.bindingByKey {
		snap.bindingByKey[k] = v
	}
	for k, v := range st.bindingByRoom {
		snap.bindingByRoom[k] = append([]string(nil), v...)
	}
	for k, v := range st.policies {
		snap.policies[k] = v
	}
	return snap
}

func (s *ConfigStore) publish(kind, id string) {
	if s.bus != nil {
		s.bus.Publish(signal.TopicConfigChanged, map[string]any{"kind": kind, "id": id})
	}
}

// PutBridge inserts or updates a bridge config. A non-zero Revision on
// the input must match the stored revision or the write is rejected
// with ErrRevisionConflict. The stored revision is bumped on success.
func (s *ConfigStore) PutBridge(ctx context.Context, cfg BridgeConfig) (BridgeConfig, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return BridgeConfig{}, fmt.Errorf("%w: bridge id is required", ErrInvalid)
	}
	if cfg.AdapterModule == "" {
		return BridgeConfig{}, fmt.Errorf("%w: adapter_module is required", ErrInvalid)
	}
	value, err := s.submit(ctx, func(st *state) (any, error) {
		stored, exists := st.bridges[cfg.ID]
		if cfg.Revision != 0 && (!exists || stored.Revision != cfg.Revision) {
			return nil, fmt.Errorf("bridge %s: %w", cfg.ID, ErrRevisionConflict)
		}
		cfg.Revision = stored.Revision + 1
		st.bridges[cfg.ID] = cfg
		return cfg, nil
	})
	if err != nil {
		return BridgeConfig{}, err
	}
	s.publish("bridge", cfg.ID)
	return value.(BridgeConfig), nil
}

// DeleteBridge removes the bridge config.
func (s *ConfigStore) DeleteBridge(ctx context.Context, id string) error {
	_, err := s.submit(ctx, func(st *state) (any, error) {
		if _, ok := st.bridges[id]; !ok {
			return nil, fmt.Errorf("bridge %s: %w", id, ErrNotFound)
		}
		delete(st.bridges, id)
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.publish("bridge", id)
	return nil
}

// PutBinding inserts or updates a room binding under the unique
// (channel, bridge, external room) index.
func (s *ConfigStore) PutBinding(ctx context.Context, b RoomBinding) (RoomBinding, error) {
	if b.RoomID == "" || b.Channel == "" || b.BridgeID == "" || b.ExternalRoomID == "" {
		return RoomBinding{}, fmt.Errorf("%w: room_id, channel, bridge_id and external_room_id are required", ErrInvalid)
	}
	if b.Direction == "" {
		b.Direction = DirectionBoth
	}
	switch b.Direction {
	case DirectionBoth, DirectionInbound, DirectionOutbound:
	default:
		return RoomBinding{}, fmt.Errorf("%w: unknown direction %q", ErrInvalid, b.Direction)
	}
	value, err := s.submit(ctx, func(st *state) (any, error) {
		key := keyOf(b.Channel, b.BridgeID, b.ExternalRoomID)
		if ownerID, claimed := st.bindingByKey[key]; claimed && ownerID != b.ID {
			return nil, fmt.Errorf("binding key %s/%s/%s already claimed by %s: %w",
				b.Channel, b.BridgeID, b.ExternalRoomID, ownerID, ErrInvalid)
		}
		var stored RoomBinding
		if b.ID != "" {
			var exists bool
			stored, exists = st.bindings[b.ID]
			if b.Revision != 0 && (!exists || stored.Revision != b.Revision) {
				return nil, fmt.Errorf("binding %s: %w", b.ID, ErrRevisionConflict)
			}
			if exists {
				removeBindingIndexes(st, stored)
			}
		} else {
			b.ID = uuid.NewString()
		}
		b.Revision = stored.Revision + 1
		st.bindings[b.ID] = b
		st.bindingByKey[key] = b.ID
		st.bindingByRoom[b.RoomID] = append(st.bindingByRoom[b.RoomID], b.ID)
		return b, nil
	})
	if err != nil {
		return RoomBinding{}, err
	}
	out := value.(RoomBinding)
	s.publish("binding", out.ID)
	return out, nil
}

func removeBindingIndexes(st *state, b RoomBinding) {
	key := keyOf(b.Channel, b.BridgeID, b.ExternalRoomID)
	if st.bindingByKey[key] == b.ID {
		delete(st.bindingByKey, key)
	}
	ids := st.bindingByRoom[b.RoomID]
	for i, id := range ids {
		if id == b.ID {
			st.bindingByRoom[b.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(st.bindingByRoom[b.RoomID]) == 0 {
		delete(st.bindingByRoom, b.RoomID)
	}
}

// DeleteBinding removes the room binding.
func (s *ConfigStore) DeleteBinding(ctx context.Context, id string) error {
	_, err := s.submit(ctx, func(st *state) (any, error) {
		b, ok := st.bindings[id]
		if !ok {
			return nil, fmt.Errorf("binding %s: %w", id, ErrNotFound)
		}
		removeBindingIndexes(st, b)
		delete(st.bindings, id)
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.publish("binding", id)
	return nil
}

// PutPolicy inserts or updates the routing policy for a room.
func (s *ConfigStore) PutPolicy(ctx context.Context, p RoutingPolicy) (RoutingPolicy, error) {
	if p.RoomID == "" {
		return RoutingPolicy{}, fmt.Errorf("%w: room_id is required", ErrInvalid)
	}
	if p.DeliveryMode == "" {
		p.DeliveryMode = DeliverBestEffort
	}
	switch p.DeliveryMode {
	case DeliverBestEffort, DeliverAll:
	default:
		return RoutingPolicy{}, fmt.Errorf("%w: unknown delivery_mode %q", ErrInvalid, p.DeliveryMode)
	}
	value, err := s.submit(ctx, func(st *state) (any, error) {
		stored, exists := st.policies[p.RoomID]
		if p.Revision != 0 && (!exists || stored.Revision != p.Revision) {
			return nil, fmt.Errorf("policy %s: %w", p.RoomID, ErrRevisionConflict)
		}
		p.Revision = stored.Revision + 1
		st.policies[p.RoomID] = p
		return p, nil
	})
	if err != nil {
		return RoutingPolicy{}, err
	}
	s.publish("policy", p.RoomID)
	return value.(RoutingPolicy), nil
}

// DeletePolicy removes the routing policy for a room.
func (s *ConfigStore) DeletePolicy(ctx context.Context, roomID string) error {
	_, err := s.submit(ctx, func(st *state) (any, error) {
		if _, ok := st.policies[roomID]; !ok {
			return nil, fmt.Errorf("policy %s: %w", roomID, ErrNotFound)
		}
		delete(st.policies, roomID)
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.publish("policy", roomID)
	return nil
}
