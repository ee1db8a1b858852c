package notify

import "context"

// Notifier emits run lifecycle events to both live subscribers and the
// system of record. Either side may be nil.
type Notifier struct {
	Broker   *Broker
	Callback *Callback
}

// Push publishes a live event on the run's topic.
func (n Notifier) Push(runID, evtType string, data map[string]any) {
	if n.Broker != nil {
		n.Broker.Publish(runID, evtType, data)
	}
}

// Notify sends a callback to the system of record.
func (n Notifier) Notify(ctx context.Context, runID, eventType string, data map[string]any) {
	if n.Callback != nil {
		n.Callback.Send(ctx, runID, eventType, data)
	}
}
