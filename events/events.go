// Package events is the typed publish/subscribe channel for execution
// progress. Emission is synchronous and ordered per emitter; listener panics
// are caught and logged so one bad subscriber cannot break a pipeline.
package events

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "events").Logger()
}

// Type enumerates every event the library publishes.
type Type string

const (
	TypeQuoteUpdated         Type = "QUOTE_UPDATED"
	TypeExecutionStarted     Type = "EXECUTION_STARTED"
	TypeStepChanged          Type = "STEP_CHANGED"
	TypeApprovalRequired     Type = "APPROVAL_REQUIRED"
	TypeTransactionSent      Type = "TRANSACTION_SENT"
	TypeTransactionConfirmed Type = "TRANSACTION_CONFIRMED"
	TypeDepositStarted       Type = "DEPOSIT_STARTED"
	TypeDepositCompleted     Type = "DEPOSIT_COMPLETED"
	TypeExecutionCompleted   Type = "EXECUTION_COMPLETED"
	TypeExecutionFailed      Type = "EXECUTION_FAILED"
	TypeStatusChanged        Type = "STATUS_CHANGED"
)

// Event is one published occurrence. Data holds the event-specific payload
// (one of the payload structs below).
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"executionId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data,omitempty"`
}

// Transaction kinds used in TRANSACTION_SENT / TRANSACTION_CONFIRMED payloads.
const (
	TxKindApproval = "approval"
	TxKindBridge   = "bridge"
	TxKindDeposit  = "deposit"
)

// StatusPayload accompanies STATUS_CHANGED.
type StatusPayload struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StepPayload accompanies STEP_CHANGED.
type StepPayload struct {
	StepIndex int    `json:"stepIndex"`
	StepID    string `json:"stepId"`
	Status    string `json:"status"`
	TxHash    string `json:"txHash,omitempty"`
}

// ApprovalPayload accompanies APPROVAL_REQUIRED.
type ApprovalPayload struct {
	Token    string `json:"token"`
	Spender  string `json:"spender"`
	Amount   string `json:"amount"`
	Infinite bool   `json:"infinite"`
}

// TxPayload accompanies TRANSACTION_SENT and TRANSACTION_CONFIRMED.
type TxPayload struct {
	Kind    string `json:"kind"`
	TxHash  string `json:"txHash"`
	ChainID int64  `json:"chainId,omitempty"`
}

// DepositPayload accompanies DEPOSIT_STARTED and DEPOSIT_COMPLETED.
type DepositPayload struct {
	Amount string `json:"amount,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

// CompletedPayload accompanies EXECUTION_COMPLETED.
type CompletedPayload struct {
	TxHash         string `json:"txHash,omitempty"`
	ReceivedAmount string `json:"receivedAmount,omitempty"`
	DepositTxHash  string `json:"depositTxHash,omitempty"`
}

// FailedPayload accompanies EXECUTION_FAILED.
type FailedPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	TxHash        string `json:"txHash,omitempty"`
	DepositTxHash string `json:"depositTxHash,omitempty"`
}

// QuotePayload accompanies QUOTE_UPDATED.
type QuotePayload struct {
	QuoteID    string `json:"quoteId"`
	FromCache  bool   `json:"fromCache"`
	ToAmount   string `json:"toAmount,omitempty"`
	FromAmount string `json:"fromAmount,omitempty"`
}

// Handler consumes events. Handlers run synchronously on the emitting
// goroutine in subscription order.
type Handler func(Event)

// Subscription identifies a registered handler for removal.
type Subscription struct {
	id   uint64
	typ  Type
	fn   Handler
	once bool
}

// Emitter is a goroutine-safe event bus. The zero value is not usable;
// call NewEmitter.
type Emitter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Type][]*Subscription
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[Type][]*Subscription)}
}

// On registers handler for t and returns the subscription handle.
func (e *Emitter) On(t Type, handler Handler) *Subscription {
	return e.subscribe(t, handler, false)
}

// Once registers handler for a single delivery.
func (e *Emitter) Once(t Type, handler Handler) *Subscription {
	return e.subscribe(t, handler, true)
}

func (e *Emitter) subscribe(t Type, handler Handler, once bool) *Subscription {
	if handler == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	sub := &Subscription{id: e.nextID, typ: t, fn: handler, once: once}
	e.subs[t] = append(e.subs[t], sub)
	return sub
}

// Off removes a subscription. Removing twice is a no-op.
func (e *Emitter) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.subs[sub.typ]
	for i, s := range list {
		if s.id == sub.id {
			e.subs[sub.typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every handler registered for its type, in subscription
// order. Once-handlers are removed before invocation so a re-entrant emit
// cannot deliver them twice. A zero timestamp is stamped with the current time.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	list := e.subs[ev.Type]
	handlers := make([]*Subscription, len(list))
	copy(handlers, list)
	kept := list[:0]
	for _, s := range list {
		if !s.once {
			kept = append(kept, s)
		}
	}
	e.subs[ev.Type] = kept
	e.mu.Unlock()

	for _, s := range handlers {
		e.safeCall(s.fn, ev)
	}
}

func (e *Emitter) safeCall(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(ev.Type)).
				Str("execution_id", ev.ExecutionID).
				Any("panic", r).
				Msg("Event listener panicked")
		}
	}()
	fn(ev)
}

// ListenerCount returns the number of live subscriptions for t.
func (e *Emitter) ListenerCount(t Type) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[t])
}
