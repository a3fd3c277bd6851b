package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Job event topics.
const (
	TopicJobStateChanged  = "job.state_changed"
	TopicJobStepStarted   = "job.step.started"
	TopicJobStepCompleted = "job.step.completed"
	TopicJobStepFailed    = "job.step.failed"
	TopicJobBudgetWarning = "job.budget_warning"
	TopicJobReplanned     = "job.replanned"
	TopicJobStalled       = "job.stalled"
	TopicContextBuilt     = "context.built"
)

// JobStateChangedEvent is published when a job's lifecycle status changes.
type JobStateChangedEvent struct {
	JobID     string // Job ID
	OldStatus string // Previous status (e.g. planning)
	NewStatus string // New status (e.g. executing)
	Reason    string // Human-readable reason, empty for normal transitions
}

// StepEvent is published when an execution step starts, completes, or fails.
type StepEvent struct {
	JobID      string // Owning job
	StepID     string // Step ID
	Title      string // Step title
	RetryCount int    // Attempts so far
	Error      string // Failure reason (failed only)
}

// BudgetWarningEvent is published once per crossed warning threshold.
type BudgetWarningEvent struct {
	JobID     string  // Job ID
	Threshold float64 // Warning threshold fraction (e.g. 0.8)
	UsedPct   float64 // Budget fraction actually consumed
	CostUSD   float64 // Accumulated cost
}

// ReplanEvent is published when a failing job is replanned.
type ReplanEvent struct {
	JobID        string // Job ID
	ReplanCount  int    // Replans performed including this one
	FailedStepID string // Step that triggered the replan
	Reason       string // Why the replan fired
}

// ContextBuiltEvent is published after each context build.
type ContextBuiltEvent struct {
	JobID          string // Job ID
	StepID         string // Step ID, empty for plan builds
	TokensSelected int    // Final selected token count
	TokensClipped  int    // Tokens left out by the fitter
	Candidates     int    // Ranked candidate count
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
