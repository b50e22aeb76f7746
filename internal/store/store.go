package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would violate a uniqueness
// constraint (e.g. two rooms claiming the same external binding).
var ErrConflict = errors.New("conflict")

// ErrAmbiguous is returned by directory queries that match more than
// one entity.
var ErrAmbiguous = errors.New("ambiguous")

// ErrInvalid is returned when an entity fails validation.
var ErrInvalid = errors.New("invalid")

// Store is the persistence contract for the conversation model. All
// methods are safe for concurrent use. Implementations return copies;
// mutating a returned entity never changes stored state.
type Store interface {
	// Rooms.
	SaveRoom(ctx context.Context, room Room) (Room, error)
	GetRoom(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context, filter RoomFilter) ([]Room, error)
	DeleteRoom(ctx context.Context, id string) error

	// BindRoomExternal registers (channel, bridgeID, externalID) as a
	// binding of the room. Returns ErrConflict when a different live
	// room already owns that key; rebinding the same room is a no-op.
	BindRoomExternal(ctx context.Context, roomID, channel, bridgeID, externalID string) (Room, error)
	UnbindRoomExternal(ctx context.Context, roomID, channel, bridgeID string) (Room, error)
	GetRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string) (Room, error)

	// GetOrCreateRoomByExternalBinding resolves the room bound to the
	// external key, creating and binding one atomically when absent.
	// Concurrent calls with the same key observe the same room. A stale
	// index entry pointing at a deleted room is repaired in place.
	GetOrCreateRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string, attrs RoomAttrs) (Room, bool, error)

	// Participants.
	SaveParticipant(ctx context.Context, p Participant) (Participant, error)
	GetParticipant(ctx context.Context, id string) (Participant, error)
	ListParticipants(ctx context.Context) ([]Participant, error)
	DeleteParticipant(ctx context.Context, id string) error

	// GetOrCreateParticipantByExternalID resolves the participant bound
	// to (channel, externalID), creating one atomically when absent.
	GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalID string, attrs ParticipantAttrs) (Participant, bool, error)

	// FindParticipantByUsername is a directory query over normalized
	// usernames. It returns ErrAmbiguous when several participants
	// share the username.
	FindParticipantByUsername(ctx context.Context, username string) (Participant, error)

	// Messages.
	SaveMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, roomID string, filter MessageFilter) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error

	// UpdateMessageStatus advances a message's delivery status. Updates
	// that would move the status backwards are ignored, not errors.
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) (Message, error)

	// UpdateMessageExternalID records the provider-assigned message id
	// and indexes it for reverse lookup.
	UpdateMessageExternalID(ctx context.Context, id, channel, bridgeID, externalID string) (Message, error)
	GetMessageByExternalID(ctx context.Context, channel, bridgeID, externalID string) (Message, error)

	// Dead letters.
	SaveDeadLetter(ctx context.Context, rec DeadLetterRecord) (DeadLetterRecord, error)
	GetDeadLetter(ctx context.Context, id string) (DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterRecord, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	// PurgeDeadLetters removes all records matching the filter and
	// returns how many were removed.
	PurgeDeadLetters(ctx context.Context, filter DeadLetterFilter) (int, error)
}
