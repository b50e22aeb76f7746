package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type bindingKey struct {
	channel    string
	bridgeID   string
	externalID string
}

type externalKey struct {
	channel    string
	externalID string
}

// MemoryStore is the in-memory reference implementation of Store. A
// single mutex guards all maps so compound operations (get-or-create,
// bind) are atomic with respect to each other.
type MemoryStore struct {
	mu sync.RWMutex

	rooms          map[string]Room
	roomsByBinding map[bindingKey]string

	participants          map[string]Participant
	participantByExternal map[externalKey]string
	participantByUsername map[string]map[string]struct{}

	messages          map[string]Message
	messageIDsByRoom  map[string][]string
	messageByExternal map[bindingKey]string

	deadLetters   map[string]DeadLetterRecord
	deadLetterIDs []string

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:                 map[string]Room{},
		roomsByBinding:        map[bindingKey]string{},
		participants:          map[string]Participant{},
		participantByExternal: map[externalKey]string{},
		participantByUsername: map[string]map[string]struct{}{},
		messages:              map[string]Message{},
		messageIDsByRoom:      map[string][]string{},
		messageByExternal:     map[bindingKey]string{},
		deadLetters:           map[string]DeadLetterRecord{},
		now:                   time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func newID() string {
	return uuid.NewString()
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func copyRoom(r Room) Room {
	out := r
	if r.ExternalBindings != nil {
		out.ExternalBindings = make(map[string]map[string]string, len(r.ExternalBindings))
		for ch, byBridge := range r.ExternalBindings {
			inner := make(map[string]string, len(byBridge))
			for bid, ext := range byBridge {
				inner[bid] = ext
			}
			out.ExternalBindings[ch] = inner
		}
	}
	out.Metadata = copyMeta(r.Metadata)
	return out
}

func copyParticipant(p Participant) Participant {
	out := p
	if p.ExternalIDs != nil {
		out.ExternalIDs = make(map[string]string, len(p.ExternalIDs))
		for ch, ext := range p.ExternalIDs {
			out.ExternalIDs[ch] = ext
		}
	}
	return out
}

func copyMessage(m Message) Message {
	out := m
	if m.Content != nil {
		out.Content = make([]ContentBlock, len(m.Content))
		copy(out.Content, m.Content)
	}
	out.Metadata = copyMeta(m.Metadata)
	return out
}

func copyDeadLetter(rec DeadLetterRecord) DeadLetterRecord {
	out := rec
	out.Request.MediaPayload = copyMeta(rec.Request.MediaPayload)
	out.Request.Opts = copyMeta(rec.Request.Opts)
	out.Response = copyMeta(rec.Response)
	return out
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SaveRoom inserts or replaces a room. A missing ID is generated.
func (s *MemoryStore) SaveRoom(ctx context.Context, room Room) (Room, error) {
	if room.Type == "" {
		return Room{}, fmt.Errorf("%w: room type is required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.ID == "" {
		room.ID = newID()
	}
	if room.InsertedAt.IsZero() {
		room.InsertedAt = s.now()
	}
	stored := copyRoom(room)
	s.rooms[stored.ID] = stored
	for ch, byBridge := range stored.ExternalBindings {
		for bid, ext := range byBridge {
			s.roomsByBinding[bindingKey{ch, bid, ext}] = stored.ID
		}
	}
	return copyRoom(stored), nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, id string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	return copyRoom(room), nil
}

func (s *MemoryStore) ListRooms(ctx context.Context, filter RoomFilter) ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		if filter.Type != "" && room.Type != filter.Type {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(room.Name, filter.NamePrefix) {
			continue
		}
		out = append(out, copyRoom(room))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].InsertedAt.Before(out[j].InsertedAt)
	})
	return out, nil
}

// DeleteRoom removes the room and its binding index entries. Messages
// belonging to the room are retained for audit.
func (s *MemoryStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	for ch, byBridge := range room.ExternalBindings {
		for bid, ext := range byBridge {
			key := bindingKey{ch, bid, ext}
			if s.roomsByBinding[key] == id {
				delete(s.roomsByBinding, key)
			}
		}
	}
	delete(s.rooms, id)
	return nil
}

func (s *MemoryStore) BindRoomExternal(ctx context.Context, roomID, channel, bridgeID, externalID string) (Room, error) {
	channel = normalizeKey(channel)
	if channel == "" || bridgeID == "" || externalID == "" {
		return Room{}, fmt.Errorf("%w: channel, bridge_id and external_id are required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	key := bindingKey{channel, bridgeID, externalID}
	if ownerID, claimed := s.roomsByBinding[key]; claimed && ownerID != roomID {
		if _, alive := s.rooms[ownerID]; alive {
			return Room{}, fmt.Errorf("binding %s/%s/%s owned by room %s: %w", channel, bridgeID, externalID, ownerID, ErrConflict)
		}
		// Stale entry from a deleted room; repair in place.
		delete(s.roomsByBinding, key)
	}
	if room.ExternalBindings == nil {
		room.ExternalBindings = map[string]map[string]string{}
	}
	if room.ExternalBindings[channel] == nil {
		room.ExternalBindings[channel] = map[string]string{}
	}
	room.ExternalBindings[channel][bridgeID] = externalID
	s.rooms[roomID] = room
	s.roomsByBinding[key] = roomID
	return copyRoom(room), nil
}

func (s *MemoryStore) UnbindRoomExternal(ctx context.Context, roomID, channel, bridgeID string) (Room, error) {
	channel = normalizeKey(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if byBridge, ok := room.ExternalBindings[channel]; ok {
		if ext, bound := byBridge[bridgeID]; bound {
			delete(byBridge, bridgeID)
			if len(byBridge) == 0 {
				delete(room.ExternalBindings, channel)
			}
			key := bindingKey{channel, bridgeID, ext}
			if s.roomsByBinding[key] == roomID {
				delete(s.roomsByBinding, key)
			}
		}
	}
	s.rooms[roomID] = room
	return copyRoom(room), nil
}

func (s *MemoryStore) GetRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string) (Room, error) {
	channel = normalizeKey(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.roomsByBinding[bindingKey{channel, bridgeID, externalID}]
	if !ok {
		return Room{}, fmt.Errorf("binding %s/%s/%s: %w", channel, bridgeID, externalID, ErrNotFound)
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fmt.Errorf("binding %s/%s/%s: %w", channel, bridgeID, externalID, ErrNotFound)
	}
	return copyRoom(room), nil
}

// GetOrCreateRoomByExternalBinding resolves or creates the room bound
// to the external key under a single lock acquisition, so concurrent
// callers with the same key always converge on one room.
func (s *MemoryStore) GetOrCreateRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string, attrs RoomAttrs) (Room, bool, error) {
	channel = normalizeKey(channel)
	if channel == "" || bridgeID == "" || externalID == "" {
		return Room{}, false, fmt.Errorf("%w: channel, bridge_id and external_id are required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey{channel, bridgeID, externalID}
	if roomID, ok := s.roomsByBinding[key]; ok {
		if room, alive := s.rooms[roomID]; alive {
			return copyRoom(room), false, nil
		}
		// Stale index entry for a deleted room.
		delete(s.roomsByBinding, key)
	}
	roomType := attrs.Type
	if roomType == "" {
		roomType = RoomGroup
	}
	room := Room{
		ID:   newID(),
		Type: roomType,
		Name: attrs.Name,
		ExternalBindings: map[string]map[string]string{
			channel: {bridgeID: externalID},
		},
		Metadata:   copyMeta(attrs.Metadata),
		InsertedAt: s.now(),
	}
	s.rooms[room.ID] = room
	s.roomsByBinding[key] = room.ID
	return copyRoom(room), true, nil
}

func (s *MemoryStore) SaveParticipant(ctx context.Context, p Participant) (Participant, error) {
	if p.Type == "" {
		return Participant{}, fmt.Errorf("%w: participant type is required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	if p.InsertedAt.IsZero() {
		p.InsertedAt = s.now()
	}
	if prev, ok := s.participants[p.ID]; ok {
		s.dropUsername(prev)
		for ch, ext := range prev.ExternalIDs {
			key := externalKey{ch, ext}
			if s.participantByExternal[key] == p.ID {
				delete(s.participantByExternal, key)
			}
		}
	}
	stored := copyParticipant(p)
	s.participants[stored.ID] = stored
	s.indexUsername(stored)
	for ch, ext := range stored.ExternalIDs {
		s.participantByExternal[externalKey{normalizeKey(ch), ext}] = stored.ID
	}
	return copyParticipant(stored), nil
}

func (s *MemoryStore) indexUsername(p Participant) {
	username := normalizeKey(p.Identity.Username)
	if username == "" {
		return
	}
	ids := s.participantByUsername[username]
	if ids == nil {
		ids = map[string]struct{}{}
		s.participantByUsername[username] = ids
	}
	ids[p.ID] = struct{}{}
}

func (s *MemoryStore) dropUsername(p Participant) {
	username := normalizeKey(p.Identity.Username)
	if username == "" {
		return
	}
	if ids := s.participantByUsername[username]; ids != nil {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(s.participantByUsername, username)
		}
	}
}

func (s *MemoryStore) GetParticipant(ctx context.Context, id string) (Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return Participant{}, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	return copyParticipant(p), nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, copyParticipant(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].InsertedAt.Before(out[j].InsertedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteParticipant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	s.dropUsername(p)
	for ch, ext := range p.ExternalIDs {
		key := externalKey{normalizeKey(ch), ext}
		if s.participantByExternal[key] == id {
			delete(s.participantByExternal, key)
		}
	}
	delete(s.participants, id)
	return nil
}

func (s *MemoryStore) GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalID string, attrs ParticipantAttrs) (Participant, bool, error) {
	channel = normalizeKey(channel)
	if channel == "" || externalID == "" {
		return Participant{}, false, fmt.Errorf("%w: channel and external_id are required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := externalKey{channel, externalID}
	if id, ok := s.participantByExternal[key]; ok {
		if p, alive := s.participants[id]; alive {
			return copyParticipant(p), false, nil
		}
		delete(s.participantByExternal, key)
	}
	ptype := attrs.Type
	if ptype == "" {
		ptype = ParticipantHuman
	}
	p := Participant{
		ID:   newID(),
		Type: ptype,
		Identity: Identity{
			Username:    attrs.Username,
			DisplayName: attrs.DisplayName,
		},
		ExternalIDs: map[string]string{channel: externalID},
		InsertedAt:  s.now(),
	}
	s.participants[p.ID] = p
	s.participantByExternal[key] = p.ID
	s.indexUsername(p)
	return copyParticipant(p), true, nil
}

func (s *MemoryStore) FindParticipantByUsername(ctx context.Context, username string) (Participant, error) {
	key := normalizeKey(username)
	if key == "" {
		return Participant{}, fmt.Errorf("%w: username is required", ErrInvalid)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.participantByUsername[key]
	switch len(ids) {
	case 0:
		return Participant{}, fmt.Errorf("username %s: %w", username, ErrNotFound)
	case 1:
		for id := range ids {
			return copyParticipant(s.participants[id]), nil
		}
	}
	return Participant{}, fmt.Errorf("username %s matches %d participants: %w", username, len(ids), ErrAmbiguous)
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.RoomID == "" {
		return Message{}, fmt.Errorf("%w: room_id is required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[msg.RoomID]; !ok {
		return Message{}, fmt.Errorf("room %s: %w", msg.RoomID, ErrNotFound)
	}
	isNew := msg.ID == ""
	if isNew {
		msg.ID = newID()
	} else if _, exists := s.messages[msg.ID]; !exists {
		isNew = true
	}
	if msg.Status == "" {
		msg.Status = StatusSending
	}
	if msg.InsertedAt.IsZero() {
		msg.InsertedAt = s.now()
	}
	stored := copyMessage(msg)
	s.messages[stored.ID] = stored
	if isNew {
		s.messageIDsByRoom[stored.RoomID] = append(s.messageIDsByRoom[stored.RoomID], stored.ID)
	}
	if stored.ExternalID != "" && stored.Channel != "" {
		s.messageByExternal[bindingKey{normalizeKey(stored.Channel), stored.BridgeID, stored.ExternalID}] = stored.ID
	}
	return copyMessage(stored), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return copyMessage(msg), nil
}

// ListMessages returns the room's messages in insertion order.
func (s *MemoryStore) ListMessages(ctx context.Context, roomID string, filter MessageFilter) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	ids := s.messageIDsByRoom[roomID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok {
			continue
		}
		if filter.Role != "" && msg.Role != filter.Role {
			continue
		}
		if filter.Status != "" && msg.Status != filter.Status {
			continue
		}
		if !filter.Before.IsZero() && !msg.InsertedAt.Before(filter.Before) {
			continue
		}
		out = append(out, copyMessage(msg))
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if msg.ExternalID != "" && msg.Channel != "" {
		key := bindingKey{normalizeKey(msg.Channel), msg.BridgeID, msg.ExternalID}
		if s.messageByExternal[key] == id {
			delete(s.messageByExternal, key)
		}
	}
	ids := s.messageIDsByRoom[msg.RoomID]
	for i, mid := range ids {
		if mid == id {
			s.messageIDsByRoom[msg.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) (Message, error) {
	if _, ok := statusRank[status]; !ok {
		return Message{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if msg.Status.CanAdvance(status) {
		msg.Status = status
		s.messages[id] = msg
	}
	return copyMessage(msg), nil
}

func (s *MemoryStore) UpdateMessageExternalID(ctx context.Context, id, channel, bridgeID, externalID string) (Message, error) {
	channel = normalizeKey(channel)
	if channel == "" || externalID == "" {
		return Message{}, fmt.Errorf("%w: channel and external_id are required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if msg.ExternalID != "" && msg.Channel != "" {
		old := bindingKey{normalizeKey(msg.Channel), msg.BridgeID, msg.ExternalID}
		if s.messageByExternal[old] == id {
			delete(s.messageByExternal, old)
		}
	}
	msg.Channel = channel
	msg.BridgeID = bridgeID
	msg.ExternalID = externalID
	s.messages[id] = msg
	s.messageByExternal[bindingKey{channel, bridgeID, externalID}] = id
	return copyMessage(msg), nil
}

func (s *MemoryStore) GetMessageByExternalID(ctx context.Context, channel, bridgeID, externalID string) (Message, error) {
	channel = normalizeKey(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.messageByExternal[bindingKey{channel, bridgeID, externalID}]
	if !ok {
		return Message{}, fmt.Errorf("external message %s/%s/%s: %w", channel, bridgeID, externalID, ErrNotFound)
	}
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("external message %s/%s/%s: %w", channel, bridgeID, externalID, ErrNotFound)
	}
	return copyMessage(msg), nil
}

func (s *MemoryStore) SaveDeadLetter(ctx context.Context, rec DeadLetterRecord) (DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	isNew := rec.ID == ""
	if isNew {
		rec.ID = newID()
	} else if _, exists := s.deadLetters[rec.ID]; !exists {
		isNew = true
	}
	if rec.Status == "" {
		rec.Status = DeadLetterCaptured
	}
	now := s.now()
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = now
	}
	rec.UpdatedAt = now
	stored := copyDeadLetter(rec)
	s.deadLetters[stored.ID] = stored
	if isNew {
		s.deadLetterIDs = append(s.deadLetterIDs, stored.ID)
	}
	return copyDeadLetter(stored), nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, id string) (DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deadLetters[id]
	if !ok {
		return DeadLetterRecord{}, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return copyDeadLetter(rec), nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetterRecord, 0, len(s.deadLetterIDs))
	for _, id := range s.deadLetterIDs {
		rec, ok := s.deadLetters[id]
		if !ok {
			continue
		}
		if !deadLetterMatches(rec, filter) {
			continue
		}
		out = append(out, copyDeadLetter(rec))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func deadLetterMatches(rec DeadLetterRecord, filter DeadLetterFilter) bool {
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.BridgeID != "" && rec.Request.BridgeID != filter.BridgeID {
		return false
	}
	return true
}

func (s *MemoryStore) DeleteDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	delete(s.deadLetters, id)
	for i, did := range s.deadLetterIDs {
		if did == id {
			s.deadLetterIDs = append(s.deadLetterIDs[:i], s.deadLetterIDs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) PurgeDeadLetters(ctx context.Context, filter DeadLetterFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.deadLetterIDs[:0]
	removed := 0
	for _, id := range s.deadLetterIDs {
		rec, ok := s.deadLetters[id]
		if ok && deadLetterMatches(rec, filter) && (filter.Limit <= 0 || removed < filter.Limit) {
			delete(s.deadLetters, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.deadLetterIDs = kept
	return removed, nil
}
