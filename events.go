package groupsync

import "sync"

// Conversation states as reported to the application.
const (
	StateInitializing = "initializing"
	StateActive       = "active"
	StateFailed       = "failed"
)

// ConversationStateEvent is emitted when a conversation transitions
// between initializing, active, and failed.
type ConversationStateEvent struct {
	ConvoID string
	From    string
	To      string
	// Reason is set on transitions to failed.
	Reason error
}

// WelcomeEvent is emitted after a Welcome has been fully processed and the
// joined group registered.
type WelcomeEvent struct {
	ConvoID string
}

// RejoinEvent is emitted when recovery submits a rejoin request.
type RejoinEvent struct {
	ConvoID   string
	RequestID string
}

// EventBus fans events out to subscribers. Delivery is synchronous: Emit
// returns after every subscriber has run, in registration order, on the
// caller's goroutine. Subscribers must not block.
type EventBus struct {
	mu          sync.RWMutex
	stateSubs   []func(ConversationStateEvent)
	welcomeSubs []func(WelcomeEvent)
	rejoinSubs  []func(RejoinEvent)
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus { return &EventBus{} }

// OnConversationState registers a subscriber for state transitions.
func (b *EventBus) OnConversationState(fn func(ConversationStateEvent)) {
	b.mu.Lock()
	b.stateSubs = append(b.stateSubs, fn)
	b.mu.Unlock()
}

// OnWelcome registers a subscriber for processed Welcomes.
func (b *EventBus) OnWelcome(fn func(WelcomeEvent)) {
	b.mu.Lock()
	b.welcomeSubs = append(b.welcomeSubs, fn)
	b.mu.Unlock()
}

// OnRejoin registers a subscriber for rejoin requests.
func (b *EventBus) OnRejoin(fn func(RejoinEvent)) {
	b.mu.Lock()
	b.rejoinSubs = append(b.rejoinSubs, fn)
	b.mu.Unlock()
}

func (b *EventBus) emitState(ev ConversationStateEvent) {
	b.mu.RLock()
	subs := b.stateSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (b *EventBus) emitWelcome(ev WelcomeEvent) {
	b.mu.RLock()
	subs := b.welcomeSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (b *EventBus) emitRejoin(ev RejoinEvent) {
	b.mu.RLock()
	subs := b.rejoinSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
