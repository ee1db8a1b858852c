// Package notify fans pipeline lifecycle events out to live subscribers
// (Broker) and to the external system of record (Callback).
package notify

import (
	"sync"
	"time"

	"underwriter/internal/logging"
)

// Live push event types.
const (
	WorkflowUpdate = "workflow_update"
	AgentProgress  = "agent_progress"
	DecisionMade   = "decision_made"
	WorkflowError  = "workflow_error"
)

const defaultBuffer = 64

// Event is one message pushed to a run's topic.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Subscription receives the events of a single topic on C until Close.
type Subscription struct {
	C     <-chan Event
	topic string
	id    uint64
	ch    chan Event
	b     *Broker
	once  sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

// Close leaves the topic and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.leave(s) })
}

// Broker is a topic-keyed publish/subscribe hub. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *logging.Logger
	now    func() time.Time
}

func NewBroker(buffer int, logger *logging.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		topics: make(map[string]map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

func (b *Broker) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, topic: topic, id: b.nextID, ch: ch, b: b}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*Subscription)
	}
	b.topics[topic][sub.id] = sub
	return sub
}

func (b *Broker) leave(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.topic]
	if _, ok := subs[s.id]; !ok {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.topics, s.topic)
	}
	close(s.ch)
}

// Publish delivers an event to every current subscriber of topic.
func (b *Broker) Publish(topic, evtType string, data map[string]any) {
	evt := Event{
		Type:      evtType,
		RunID:     topic,
		Data:      data,
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("dropping event for slow subscriber", "run_id", topic, "type", evtType)
		}
	}
}

// Subscribers reports how many subscribers are attached to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
