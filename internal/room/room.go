// Package room runs one worker per active room. The worker holds a
// bounded ring of recent messages and a participant set, and drives the
// application's message handler; replies go back out through the
// outbound router.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentjido/messaging/internal/ingest"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/outbound"
	"github.com/agentjido/messaging/internal/store"
	"github.com/agentjido/messaging/internal/supervisor"
)

// ActionKind is what a handler wants done with a message.
type ActionKind string

const (
	ActionReply   ActionKind = "reply"
	ActionNoReply ActionKind = "noreply"
	ActionError   ActionKind = "error"
)

// Action is a handler's verdict on one message.
type Action struct {
	Kind ActionKind
	Text string
	Opts map[string]any
	Err  error
}

// ReplyWith answers the room with text.
func ReplyWith(text string, opts map[string]any) Action {
	return Action{Kind: ActionReply, Text: text, Opts: opts}
}

// NoReply acknowledges the message without responding.
func NoReply() Action { return Action{Kind: ActionNoReply} }

// Fail reports a handler error; the worker logs it and moves on.
func Fail(err error) Action { return Action{Kind: ActionError, Err: err} }

// Handler is the application callback invoked for each room message.
type Handler interface {
	OnMessage(ctx context.Context, msg store.Message, mc *ingest.MsgContext) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg store.Message, mc *ingest.MsgContext) Action

func (f HandlerFunc) OnMessage(ctx context.Context, msg store.Message, mc *ingest.MsgContext) Action {
	return f(ctx, msg, mc)
}

type inboxItem struct {
	msg store.Message
	mc  *ingest.MsgContext
}

// Manager spawns and tracks room workers. It implements
// ingest.Deliverer; the first message for a room starts its worker.
type Manager struct {
	store     store.Store
	router    *outbound.Router
	handler   Handler
	sup       *supervisor.Supervisor
	log       *slog.Logger
	ringSize  int
	inboxSize int

	mu      sync.Mutex
	workers map[string]*Worker
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store     store.Store
	Router    *outbound.Router
	Handler   Handler
	Sup       *supervisor.Supervisor
	RingSize  int
	InboxSize int
}

// NewManager wires a Manager. Store and Sup are required.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil || opts.Sup == nil {
		return nil, fmt.Errorf("room manager requires store and supervisor")
	}
	if opts.RingSize <= 0 {
		opts.RingSize = 200
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	return &Manager{
		store:     opts.Store,
		router:    opts.Router,
		handler:   opts.Handler,
		sup:       opts.Sup,
		log:       logger.L.With(slog.String("component", "room")),
		ringSize:  opts.RingSize,
		inboxSize: opts.InboxSize,
		workers:   map[string]*Worker{},
	}, nil
}

var _ ingest.Deliverer = (*Manager)(nil)

// Deliver routes a persisted message to its room worker, spawning the
// worker on first use. A full inbox is an error; the message is already
// persisted, so the caller only loses the callback.
func (m *Manager) Deliver(ctx context.Context, msg store.Message, mc *ingest.MsgContext) error {
	w, err := m.workerFor(msg.RoomID)
	if err != nil {
		return err
	}
	select {
	case w.inbox <- inboxItem{msg: msg, mc: mc}:
		return nil
	default:
		return fmt.Errorf("room %s: inbox full", msg.RoomID)
	}
}

// Worker returns the live worker for a room, if any.
func (m *Manager) Worker(roomID string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[roomID]
	return w, ok
}

// ActiveRooms returns the ids of rooms with live workers.
func (m *Manager) ActiveRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) workerFor(roomID string) (*Worker, error) {
	m.mu.Lock()
	if w, ok := m.workers[roomID]; ok {
		m.mu.Unlock()
		return w, nil
	}
	w := newWorker(m, roomID)
	m.workers[roomID] = w
	m.mu.Unlock()

	err := m.sup.StartChild(supervisor.Spec{
		Name:      "room:" + roomID,
		Start:     w.run,
		Intensity: supervisor.RoomIntensity,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.workers, roomID)
		m.mu.Unlock()
		return nil, fmt.Errorf("start room worker: %w", err)
	}
	return w, nil
}

// Worker serializes message handling for one room.
type Worker struct {
	roomID string
	mgr    *Manager
	inbox  chan inboxItem
	log    *slog.Logger

	mu           sync.Mutex
	ring         []store.Message
	participants map[string]struct{}
}

func newWorker(mgr *Manager, roomID string) *Worker {
	return &Worker{
		roomID: roomID,
		mgr:    mgr,
		inbox:  make(chan inboxItem, mgr.inboxSize),
		log:    mgr.log.With(slog.String("room_id", roomID)),
	}
}

// run is the worker loop; it rehydrates state from the store on every
// (re)start so a crash loses nothing persisted.
func (w *Worker) run(ctx context.Context) error {
	if err := w.rehydrate(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-w.inbox:
			w.handle(ctx, item)
		}
	}
}

func (w *Worker) rehydrate(ctx context.Context) error {
	msgs, err := w.mgr.store.ListMessages(ctx, w.roomID, store.MessageFilter{Limit: w.mgr.ringSize})
	if err != nil {
		return fmt.Errorf("rehydrate room %s: %w", w.roomID, err)
	}
	w.mu.Lock()
	w.ring = msgs
	w.participants = map[string]struct{}{}
	for _, msg := range msgs {
		if msg.SenderID != "" {
			w.participants[msg.SenderID] = struct{}{}
		}
	}
	w.mu.Unlock()
	return nil
}

func (w *Worker) handle(ctx context.Context, item inboxItem) {
	w.remember(item.msg)
	if w.mgr.handler == nil {
		return
	}
	action := w.mgr.handler.OnMessage(ctx, item.msg, item.mc)
	switch action.Kind {
	case ActionReply:
		if w.mgr.router == nil {
			w.log.Warn("reply requested but no outbound router configured")
			return
		}
		if _, err := w.mgr.router.RouteOutbound(ctx, w.roomID, action.Text, action.Opts); err != nil {
			w.log.Warn("reply dispatch failed", slog.Any("error", err))
		}
	case ActionError:
		w.log.Warn("handler error", slog.Any("error", action.Err))
	}
}

func (w *Worker) remember(msg store.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Rehydration may already hold this message.
	for i := len(w.ring) - 1; i >= 0; i-- {
		if w.ring[i].ID == msg.ID {
			return
		}
	}
	w.ring = append(w.ring, msg)
	if len(w.ring) > w.mgr.ringSize {
		w.ring = w.ring[len(w.ring)-w.mgr.ringSize:]
	}
	if w.participants == nil {
		w.participants = map[string]struct{}{}
	}
	if msg.SenderID != "" {
		w.participants[msg.SenderID] = struct{}{}
	}
}

// Recent returns a copy of the ring buffer, oldest first.
func (w *Worker) Recent() []store.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]store.Message(nil), w.ring...)
}

// Participants returns the ids of senders seen in this room.
func (w *Worker) Participants() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.participants))
	for id := range w.participants {
		ids = append(ids, id)
	}
	return ids
}
