// Package broker correlates commands sent to the external agent with the
// replies it sends back.
//
// Each call gets a fresh correlation token and a single-use reply slot. The
// command is queued on the currently registered Channel and the caller waits,
// bounded by a timeout, for Deliver to route the matching reply. Replies may
// arrive in any order. Locks are only held while the pending table or the
// channel slot is mutated, never while waiting.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/agent-browser/logger"
)

// DefaultTimeout is the ceiling on how long a call waits for its reply.
const DefaultTimeout = 30 * time.Second

// Failure classes surfaced to callers.
var (
	ErrNoAgent      = errors.New("no external agent connected")
	ErrDisconnected = errors.New("external agent disconnected")
	ErrSlotClosed   = errors.New("response channel closed")
	ErrTimeout      = errors.New("request timeout")
	ErrNoToken      = errors.New("no free correlation token")
)

// maxTokenAttempts bounds token generation when a token is already pending.
const maxTokenAttempts = 8

// successMarker replaces an empty result from a successful reply.
var successMarker = json.RawMessage(`{"success":true}`)

// Command is one message to the external agent.
type Command struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Reply is one message from the external agent.
type Reply struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AgentError carries the failure text reported by the external agent.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return e.Message
}

// outcome converts a reply into the caller's result.
func (r Reply) outcome() (json.RawMessage, error) {
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = "Unknown error"
		}
		return nil, &AgentError{Message: msg}
	}
	trimmed := bytes.TrimSpace(r.Result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return successMarker, nil
	}
	return r.Result, nil
}

// pendingCall is one entry of the pending table.
type pendingCall struct {
	slot     chan Reply
	answered bool
}

// Broker owns the pending table and the external channel slot.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	chMu    sync.RWMutex
	channel *Channel

	timeout  time.Duration
	newToken func() string
	log      *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout overrides the reply ceiling.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithTokenSource overrides correlation token generation.
func WithTokenSource(fn func() string) Option {
	return func(b *Broker) {
		b.newToken = fn
	}
}

// New creates a broker with no channel registered.
func New(opts ...Option) *Broker {
	b := &Broker{
		pending:  make(map[string]*pendingCall),
		timeout:  DefaultTimeout,
		newToken: uuid.NewString,
		log:      logger.WithComponent("broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Timeout returns the reply ceiling.
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// Call sends method and params to the external agent and waits for the reply.
// A nil params is sent as JSON null. Cancelling ctx abandons the wait.
func (b *Broker) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	token, slot, err := b.register()
	if err != nil {
		return nil, err
	}
	defer b.deregister(token)

	ch := b.current()
	if ch == nil {
		b.log.Warn("call rejected", "method", method, "error", ErrNoAgent)
		return nil, ErrNoAgent
	}

	cmd := Command{ID: token, Method: method, Params: params}
	if err := ch.Enqueue(ctx, cmd); err != nil {
		b.log.Warn("enqueue failed", "method", method, "id", token, "error", err)
		return nil, err
	}
	b.log.Debug("command queued", "method", method, "id", token)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-slot:
		if !ok {
			return nil, ErrSlotClosed
		}
		return reply.outcome()
	case <-timer.C:
		b.log.Warn("request timed out", "method", method, "id", token, "after", b.timeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		b.log.Debug("call abandoned", "method", method, "id", token, "error", ctx.Err())
		return nil, ctx.Err()
	}
}

// register inserts a fresh token into the pending table.
func (b *Broker) register() (string, chan Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", nil, ErrSlotClosed
	}

	for range maxTokenAttempts {
		token := b.newToken()
		if _, taken := b.pending[token]; taken {
			b.log.Warn("correlation token collision", "id", token)
			continue
		}
		slot := make(chan Reply, 1)
		b.pending[token] = &pendingCall{slot: slot}
		return token, slot, nil
	}
	return "", nil, ErrNoToken
}

func (b *Broker) deregister(token string) {
	b.mu.Lock()
	delete(b.pending, token)
	b.mu.Unlock()
}

// Deliver routes a reply to its waiting caller. It reports false when the
// token is unknown or was already answered; such replies are dropped.
func (b *Broker) Deliver(reply Reply) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	call, ok := b.pending[reply.ID]
	if !ok || b.closed {
		b.log.Warn("reply for unknown request dropped", "id", reply.ID)
		return false
	}
	if call.answered {
		b.log.Warn("duplicate reply dropped", "id", reply.ID)
		return false
	}
	call.answered = true
	call.slot <- reply
	return true
}

// Pending reports the number of in-flight calls.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close fails every in-flight call with ErrSlotClosed and rejects new calls.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, call := range b.pending {
		close(call.slot)
	}
	b.log.Info("broker closed", "pending", len(b.pending))
}

// Register installs ch as the external channel. Any previously registered
// channel is closed; calls still waiting on it are not migrated.
func (b *Broker) Register(ch *Channel) {
	b.chMu.Lock()
	old := b.channel
	b.channel = ch
	b.chMu.Unlock()

	if old != nil && old != ch {
		old.Close()
		b.log.Info("external channel replaced")
	} else {
		b.log.Info("external channel registered")
	}
}

// Unregister clears the slot if ch is still the registered channel, and
// closes ch either way.
func (b *Broker) Unregister(ch *Channel) {
	b.chMu.Lock()
	current := b.channel == ch
	if current {
		b.channel = nil
	}
	b.chMu.Unlock()

	ch.Close()
	if current {
		b.log.Info("external channel unregistered")
	}
}

// Connected reports whether an external channel is registered.
func (b *Broker) Connected() bool {
	return b.current() != nil
}

func (b *Broker) current() *Channel {
	b.chMu.RLock()
	defer b.chMu.RUnlock()
	return b.channel
}
