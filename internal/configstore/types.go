// Package configstore holds the control-plane configuration of the
// runtime: bridge deployments, room bindings, and routing policies.
// One writer goroutine serializes mutations; readers load immutable
// snapshots without synchronization.
package configstore

import (
	"sort"
	"strings"
)

// Direction constrains which way a room binding routes traffic.
type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryMode selects how a routing policy fans a message out.
type DeliveryMode string

const (
	// DeliverBestEffort walks the fallback order and stops at the
	// first successful bridge.
	DeliverBestEffort DeliveryMode = "best_effort"
	// DeliverAll sends through every enabled bridge.
	DeliverAll DeliveryMode = "all"
)

// BridgeConfig describes one configured adapter deployment.
type BridgeConfig struct {
	ID            string         `json:"id"`
	AdapterModule string         `json:"adapter_module"`
	Credentials   map[string]any `json:"credentials,omitempty"`
	Opts          map[string]any `json:"opts,omitempty"`
	Enabled       bool           `json:"enabled"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Revision      uint64         `json:"revision"`
}

// RoomBinding links a room to an external conversation on a bridge.
// (Channel, BridgeID, ExternalRoomID) is unique across live bindings.
type RoomBinding struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	Channel        string    `json:"channel"`
	BridgeID       string    `json:"bridge_id"`
	ExternalRoomID string    `json:"external_room_id"`
	Direction      Direction `json:"direction"`
	Enabled        bool      `json:"enabled"`
	Priority       int       `json:"priority"`
	Revision       uint64    `json:"revision"`
}

// RoutesOutbound reports whether the binding may carry outbound traffic.
func (b RoomBinding) RoutesOutbound() bool {
	return b.Enabled && (b.Direction == DirectionBoth || b.Direction == DirectionOutbound)
}

// RoutesInbound reports whether the binding may carry inbound traffic.
func (b RoomBinding) RoutesInbound() bool {
	return b.Enabled && (b.Direction == DirectionBoth || b.Direction == DirectionInbound)
}

// RoutingPolicy governs outbound delivery for one room.
type RoutingPolicy struct {
	RoomID         string       `json:"room_id"`
	FallbackOrder  []string     `json:"fallback_order,omitempty"`
	DeliveryMode   DeliveryMode `json:"delivery_mode"`
	FailoverPolicy string       `json:"failover_policy,omitempty"`
	DedupeScope    string       `json:"dedupe_scope,omitempty"`
	Revision       uint64       `json:"revision"`
}

type externalKey struct {
	channel        string
	bridgeID       string
	externalRoomID string
}

func keyOf(channel, bridgeID, externalRoomID string) externalKey {
	return externalKey{
		channel:        strings.ToLower(strings.TrimSpace(channel)),
		bridgeID:       bridgeID,
		externalRoomID: externalRoomID,
	}
}

// Snapshot is an immutable view of the configuration. All lookups on a
// snapshot are consistent with each other.
type Snapshot struct {
	bridges       map[string]BridgeConfig
	bindings      map[string]RoomBinding
	bindingByKey  map[externalKey]string
	bindingByRoom map[string][]string
	policies      map[string]RoutingPolicy
}

// Bridge returns the bridge config by id.
func (s *Snapshot) Bridge(id string) (BridgeConfig, bool) {
	cfg, ok := s.bridges[id]
	return cfg, ok
}

// Bridges returns all bridge configs sorted by id.
func (s *Snapshot) Bridges() []BridgeConfig {
	out := make([]BridgeConfig, 0, len(s.bridges))
	for _, cfg := range s.bridges {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Binding returns the room binding by id.
func (s *Snapshot) Binding(id string) (RoomBinding, bool) {
	b, ok := s.bindings[id]
	return b, ok
}

// BindingByExternalKey resolves the binding owning the unique
// (channel, bridge, external room) key.
func (s *Snapshot) BindingByExternalKey(channel, bridgeID, externalRoomID string) (RoomBinding, bool) {
	id, ok := s.bindingByKey[keyOf(channel, bridgeID, externalRoomID)]
	if !ok {
		return RoomBinding{}, false
	}
	b, ok := s.bindings[id]
	return b, ok
}

// BindingsForRoom returns the room's bindings ordered by ascending
// priority, then binding id for stability.
func (s *Snapshot) BindingsForRoom(roomID string) []RoomBinding {
	ids := s.bindingByRoom[roomID]
	out := make([]RoomBinding, 0, len(ids))
	for _, id := range ids {
		if b, ok := s.bindings[id]; ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Policy returns the routing policy for the room.
func (s *Snapshot) Policy(roomID string) (RoutingPolicy, bool) {
	p, ok := s.policies[roomID]
	return p, ok
}
