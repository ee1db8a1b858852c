// Package hub is the agent communication hub: a roster of capability-tagged
// participants with point-to-point, broadcast and correlated
// request/response messaging.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"underwriter/internal/domain"
	"underwriter/internal/kv"
	"underwriter/internal/logging"
	"underwriter/internal/transport"
)

var (
	ErrTimeout            = errors.New("request timed out")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrClosed             = errors.New("hub closed")
)

// Hub event types delivered to observers.
const (
	EventRegistered   = "participant.registered"
	EventUnregistered = "participant.unregistered"
	EventStatus       = "participant.status"
	EventMessageSent  = "message.sent"
	EventReceived     = "message.received"
)

const participantKeyPrefix = "agent:"

func participantKey(id string) string { return participantKeyPrefix + id }

func channelFor(id string) string { return "hub:" + participantKeyPrefix + id }

// Event describes a roster or messaging change.
type Event struct {
	Type        string
	Participant *domain.Participant
	Message     *domain.Message
}

type result struct {
	payload map[string]any
	err     error
}

type pendingCall struct {
	ch chan result
}

type envelope struct {
	Origin  string         `json:"origin"`
	Message domain.Message `json:"message"`
}

// Hub holds the participant roster and per-participant queues.
type Hub struct {
	cfg    hubConfig
	store  kv.Store
	tr     transport.Transport
	logger *logging.Logger
	origin string

	mu           sync.Mutex
	participants map[string]domain.Participant
	queues       map[string][]domain.Message
	pending      map[string]*pendingCall
	subs         map[string]func()
	observers    map[uint64]func(Event)
	nextObserver uint64
	dropped      int
	closed       bool
}

// New builds a Hub. Callers hold the returned reference; there is no
// process-wide instance.
func New(cfg Config, opts ...Option) *Hub {
	hc := hubConfig{}
	for _, opt := range opts {
		opt(&hc)
	}
	if hc.participantTTL <= 0 {
		hc.participantTTL = defaultParticipantTTL
	}
	if hc.maxQueue <= 0 {
		hc.maxQueue = defaultMaxQueue
	}
	if hc.requestTimeout <= 0 {
		hc.requestTimeout = defaultRequestTimeout
	}
	if hc.now == nil {
		hc.now = time.Now
	}
	if hc.newID == nil {
		hc.newID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Hub{
		cfg:          hc,
		store:        cfg.Store,
		tr:           cfg.Transport,
		logger:       logger.WithComponent("hub"),
		origin:       uuid.NewString(),
		participants: make(map[string]domain.Participant),
		queues:       make(map[string][]domain.Message),
		pending:      make(map[string]*pendingCall),
		subs:         make(map[string]func()),
		observers:    make(map[uint64]func(Event)),
	}
}

func (h *Hub) timestamp() string {
	return h.cfg.now().UTC().Format(time.RFC3339Nano)
}

// Register upserts a participant, caches it in the shared store, gives it an
// empty queue and starts listening for cross-process messages addressed to
// it. Status defaults to online.
func (h *Hub) Register(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return domain.Participant{}, fmt.Errorf("%w: participant id required", ErrInvalidMessage)
	}
	if p.Status == "" {
		p.Status = domain.ParticipantOnline
	}
	if !p.Status.Valid() {
		return domain.Participant{}, fmt.Errorf("%w: status %q", ErrInvalidMessage, p.Status)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	p.Capabilities = append([]string(nil), p.Capabilities...)
	p.LastSeen = h.timestamp()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return domain.Participant{}, ErrClosed
	}
	h.participants[p.ID] = p
	if _, ok := h.queues[p.ID]; !ok {
		h.queues[p.ID] = nil
	}
	_, listening := h.subs[p.ID]
	h.mu.Unlock()

	h.cache(ctx, p)
	if !listening {
		h.listen(ctx, p.ID)
	}
	h.emit(Event{Type: EventRegistered, Participant: &p})
	return p, nil
}

// Unregister removes a participant, its queue and its cached copy.
func (h *Hub) Unregister(ctx context.Context, id string) error {
	h.mu.Lock()
	p, ok := h.participants[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	delete(h.participants, id)
	delete(h.queues, id)
	cancel := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h.store != nil {
		if err := h.store.Delete(ctx, participantKey(id)); err != nil {
			h.logger.Warn("uncache participant failed", "participant", id, "error", err)
		}
	}
	h.emit(Event{Type: EventUnregistered, Participant: &p})
	return nil
}

// UpdateStatus sets status and lastSeen. It reports false, doing nothing,
// when the participant is unknown.
func (h *Hub) UpdateStatus(ctx context.Context, id string, status domain.ParticipantStatus) bool {
	h.mu.Lock()
	p, ok := h.participants[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	p.Status = status
	p.LastSeen = h.timestamp()
	h.participants[id] = p
	h.mu.Unlock()

	h.cache(ctx, p)
	h.emit(Event{Type: EventStatus, Participant: &p})
	return true
}

func (h *Hub) cache(ctx context.Context, p domain.Participant) {
	if h.store == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.Warn("encode participant failed", "participant", p.ID, "error", err)
		return
	}
	if err := h.store.Set(ctx, participantKey(p.ID), data, h.cfg.participantTTL); err != nil {
		h.logger.Warn("cache participant failed", "participant", p.ID, "error", err)
	}
}

func (h *Hub) cached(ctx context.Context, id string) (domain.Participant, bool) {
	if h.store == nil {
		return domain.Participant{}, false
	}
	data, err := h.store.Get(ctx, participantKey(id))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			h.logger.Warn("read cached participant failed", "participant", id, "error", err)
		}
		return domain.Participant{}, false
	}
	var p domain.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Participant{}, false
	}
	return p, true
}

// Get returns a participant from the local roster, falling back to the
// shared store for participants registered by other processes.
func (h *Hub) Get(ctx context.Context, id string) (domain.Participant, error) {
	h.mu.Lock()
	p, ok := h.participants[id]
	h.mu.Unlock()
	if ok {
		return p, nil
	}
	if p, ok := h.cached(ctx, id); ok {
		return p, nil
	}
	return domain.Participant{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
}

// List returns the local roster merged with cached remote participants,
// sorted by id.
func (h *Hub) List(ctx context.Context) []domain.Participant {
	h.mu.Lock()
	out := make([]domain.Participant, 0, len(h.participants))
	seen := make(map[string]bool, len(h.participants))
	for _, p := range h.participants {
		out = append(out, p)
		seen[p.ID] = true
	}
	h.mu.Unlock()

	if h.store != nil {
		keys, err := h.store.Keys(ctx, participantKeyPrefix)
		if err != nil {
			h.logger.Warn("list cached participants failed", "error", err)
		}
		for _, k := range keys {
			id := strings.TrimPrefix(k, participantKeyPrefix)
			if seen[id] {
				continue
			}
			if p, ok := h.cached(ctx, id); ok {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns online participants advertising tag. Busy and
// offline participants never match.
func (h *Hub) FindByCapability(ctx context.Context, tag string) []domain.Participant {
	var out []domain.Participant
	for _, p := range h.List(ctx) {
		if p.Status == domain.ParticipantOnline && p.HasCapability(tag) {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) known(ctx context.Context, id string) bool {
	h.mu.Lock()
	_, ok := h.participants[id]
	h.mu.Unlock()
	if ok {
		return true
	}
	_, ok = h.cached(ctx, id)
	return ok
}

// Send stamps msg with an id and timestamp, queues it for the recipient and
// publishes it for other processes. It does not wait for delivery.
func (h *Hub) Send(ctx context.Context, msg domain.Message) (string, error) {
	if msg.From == "" || msg.To == "" {
		return "", fmt.Errorf("%w: from and to required", ErrInvalidMessage)
	}
	if msg.Kind == "" {
		msg.Kind = domain.MessageRequest
	}
	switch msg.Kind {
	case domain.MessageRequest, domain.MessageResponse, domain.MessageBroadcast:
	default:
		return "", fmt.Errorf("%w: kind %q", ErrInvalidMessage, msg.Kind)
	}
	// A response to a call pending here is matched by correlation id alone,
	// so the requester need not be on the roster.
	if !h.awaiting(msg) && !h.known(ctx, msg.To) {
		return "", fmt.Errorf("%w: %s", ErrUnknownParticipant, msg.To)
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	msg.ID = h.cfg.newID()
	msg.Timestamp = h.timestamp()

	h.deliver(msg)
	h.publish(ctx, msg)
	h.emit(Event{Type: EventMessageSent, Message: &msg})
	return msg.ID, nil
}

// deliver appends msg to the recipient's queue and resolves a pending
// request when msg is its response.
func (h *Hub) deliver(msg domain.Message) {
	h.mu.Lock()
	var call *pendingCall
	if msg.Kind == domain.MessageResponse && msg.CorrelationID != "" {
		call = h.pending[msg.CorrelationID]
		delete(h.pending, msg.CorrelationID)
	}
	// Unregistered requesters get the answer without a queue.
	if _, registered := h.participants[msg.To]; registered || call == nil {
		q := append(h.queues[msg.To], msg)
		if over := len(q) - h.cfg.maxQueue; over > 0 {
			q = append([]domain.Message(nil), q[over:]...)
			h.dropped += over
			h.logger.Warn("queue full, evicted oldest messages", "participant", msg.To, "evicted", over)
		}
		h.queues[msg.To] = q
	}
	h.mu.Unlock()

	if call != nil {
		call.ch <- result{payload: msg.Payload}
	}
}

func (h *Hub) publish(ctx context.Context, msg domain.Message) {
	if h.tr == nil {
		return
	}
	data, err := json.Marshal(envelope{Origin: h.origin, Message: msg})
	if err != nil {
		h.logger.Warn("encode message failed", "message", msg.ID, "error", err)
		return
	}
	if err := h.tr.Publish(ctx, channelFor(msg.To), data); err != nil {
		h.logger.Warn("publish message failed", "message", msg.ID, "to", msg.To, "error", err)
	}
}

func (h *Hub) listen(ctx context.Context, id string) {
	if h.tr == nil {
		return
	}
	cancel, err := h.tr.Subscribe(context.WithoutCancel(ctx), channelFor(id), h.receive)
	if err != nil {
		h.logger.Warn("subscribe failed", "participant", id, "error", err)
		return
	}
	h.mu.Lock()
	if _, still := h.participants[id]; !still || h.closed {
		h.mu.Unlock()
		cancel()
		return
	}
	if prev := h.subs[id]; prev != nil {
		prev()
	}
	h.subs[id] = cancel
	h.mu.Unlock()
}

func (h *Hub) receive(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("decode inbound message failed", "error", err)
		return
	}
	if env.Origin == h.origin {
		return
	}
	h.deliver(env.Message)
	h.emit(Event{Type: EventReceived, Message: &env.Message})
}

// Request sends a request-kind message and waits for the response carrying
// its correlation id. A zero timeout uses the configured default. A
// response that arrives after the timeout is queued but matches nothing.
func (h *Hub) Request(ctx context.Context, from, to, action string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = h.cfg.requestTimeout
	}
	corr := h.cfg.newID()
	call := &pendingCall{ch: make(chan result, 1)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.pending[corr] = call
	h.mu.Unlock()

	_, err := h.Send(ctx, domain.Message{
		From:          from,
		To:            to,
		Kind:          domain.MessageRequest,
		Action:        action,
		Payload:       payload,
		CorrelationID: corr,
	})
	if err != nil {
		h.forget(corr)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-call.ch:
		return res.payload, res.err
	case <-timer.C:
		if h.forget(corr) {
			return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, to, action, timeout)
		}
	case <-ctx.Done():
		if h.forget(corr) {
			return nil, ctx.Err()
		}
	}
	// A response claimed the call before the timeout path could.
	res := <-call.ch
	return res.payload, res.err
}

// awaiting reports whether msg answers a request pending in this hub.
func (h *Hub) awaiting(msg domain.Message) bool {
	if msg.Kind != domain.MessageResponse || msg.CorrelationID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[msg.CorrelationID]
	return ok
}

// forget removes a pending call and reports whether it was still waiting.
func (h *Hub) forget(corr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[corr]; !ok {
		return false
	}
	delete(h.pending, corr)
	return true
}

// Pending reports how many requests are waiting for a response.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Respond answers req on behalf of its recipient.
func (h *Hub) Respond(ctx context.Context, req domain.Message, payload map[string]any) (string, error) {
	if req.CorrelationID == "" {
		return "", fmt.Errorf("%w: request has no correlation id", ErrInvalidMessage)
	}
	return h.Send(ctx, domain.Message{
		From:          req.To,
		To:            req.From,
		Kind:          domain.MessageResponse,
		Action:        req.Action,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
	})
}

// Broadcast sends one message to every participant except from and returns
// the ids of the messages sent.
func (h *Hub) Broadcast(ctx context.Context, from, action string, payload map[string]any) ([]string, error) {
	var ids []string
	var errs []error
	for _, p := range h.List(ctx) {
		if p.ID == from {
			continue
		}
		id, err := h.Send(ctx, domain.Message{From: from, To: p.ID, Kind: domain.MessageBroadcast, Action: action, Payload: payload})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Messages returns a copy of a participant's queue, oldest first.
func (h *Hub) Messages(id string) []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Message(nil), h.queues[id]...)
}

// Clear drains a participant's queue and reports how many were removed.
func (h *Hub) Clear(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.queues[id])
	if _, ok := h.queues[id]; ok {
		h.queues[id] = nil
	}
	return n
}

// Dropped reports how many messages queue eviction has discarded.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribe registers an observer for hub events. Observers run
// synchronously and must not call back into the Hub.
func (h *Hub) Subscribe(fn func(Event)) (cancel func()) {
	h.mu.Lock()
	h.nextObserver++
	id := h.nextObserver
	h.observers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.observers, id)
		h.mu.Unlock()
	}
}

func (h *Hub) emit(evt Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.observers))
	for _, fn := range h.observers {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("hub observer panicked", "event", evt.Type, "panic", r)
				}
			}()
			fn(evt)
		}()
	}
}

// Close stops cross-process listening and fails every waiting request.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]func())
	pending := h.pending
	h.pending = make(map[string]*pendingCall)
	h.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	for _, call := range pending {
		call.ch <- result{err: ErrClosed}
	}
	return nil
}
