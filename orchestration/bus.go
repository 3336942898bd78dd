package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoSubscriber marks a send to an agent with no handler.
	ErrNoSubscriber = errors.New("orchestration: no subscriber")
	// ErrRequestTimeout marks a request whose response never arrived.
	ErrRequestTimeout = errors.New("orchestration: request timeout")
)

const defaultRequestTimeout = 30 * time.Second

// Handler consumes one bus message.
type Handler func(msg *Message)

// Bus is an in-process message bus with direct delivery, broadcast and
// correlated request/response. Dispatch is synchronous, so messages from one
// sender arrive in send order.
type Bus struct {
	nowFn    func() int64
	observer func(msgType string)

	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextSub  int
	pending  map[string]chan *Message
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		nowFn:    func() int64 { return time.Now().UnixMilli() },
		handlers: make(map[string]map[int]Handler),
		pending:  make(map[string]chan *Message),
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (b *Bus) SetNowFunc(now func() int64) {
	if now == nil {
		b.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	b.nowFn = now
}

// SetObserver installs a callback invoked once per delivered message with the
// message type. Used to feed traffic counters.
func (b *Bus) SetObserver(observer func(msgType string)) {
	b.observer = observer
}

// Subscribe registers a handler for messages addressed to the agent. The
// returned function removes the subscription.
func (b *Bus) Subscribe(agentID string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.handlers[agentID]
	if !ok {
		subs = make(map[int]Handler)
		b.handlers[agentID] = subs
	}
	id := b.nextSub
	b.nextSub++
	subs[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.handlers[agentID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.handlers, agentID)
			}
		}
	}
}

// Send stamps id and timestamp and delivers the message to the recipient's
// handlers. A response carrying ReplyTo resolves the matching pending
// request instead of dispatching.
func (b *Bus) Send(msg *Message) (*Message, error) {
	if msg == nil || msg.To == "" {
		return nil, fmt.Errorf("orchestration: message recipient required")
	}
	stamped := msg.Clone()
	if stamped.ID == "" {
		stamped.ID = uuid.NewString()
	}
	stamped.Timestamp = b.nowFn()

	if stamped.Type == MessageResponse && stamped.ReplyTo != "" {
		b.mu.Lock()
		ch, ok := b.pending[stamped.ReplyTo]
		if ok {
			delete(b.pending, stamped.ReplyTo)
		}
		b.mu.Unlock()
		if ok {
			ch <- stamped.Clone()
			if b.observer != nil {
				b.observer(string(stamped.Type))
			}
			return stamped.Clone(), nil
		}
	}

	b.mu.RLock()
	subs := make([]Handler, 0, len(b.handlers[stamped.To]))
	for _, h := range b.handlers[stamped.To] {
		subs = append(subs, h)
	}
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSubscriber, stamped.To)
	}
	for _, h := range subs {
		h(stamped.Clone())
	}
	if b.observer != nil {
		b.observer(string(stamped.Type))
	}
	return stamped.Clone(), nil
}

// Request sends a request message and blocks for the correlated response. A
// non-positive timeout uses the thirty second default.
func (b *Bus) Request(ctx context.Context, from, to string, payload json.RawMessage, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	req := &Message{
		From:          from,
		To:            to,
		Type:          MessageRequest,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	}
	req.ID = uuid.NewString()
	ch := make(chan *Message, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()

	if _, err := b.Send(req); err != nil {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	b.mu.Lock()
	delete(b.pending, req.ID)
	b.mu.Unlock()
	// A response may have raced the timeout onto the buffered channel.
	select {
	case resp := <-ch:
		return resp, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: request %s to %s", ErrRequestTimeout, req.ID, to)
}

// Reply answers a request: addresses invert, the correlation id carries
// over, and ReplyTo points at the original message.
func (b *Bus) Reply(original *Message, payload json.RawMessage) (*Message, error) {
	if original == nil {
		return nil, fmt.Errorf("orchestration: nil original message")
	}
	resp := &Message{
		From:          original.To,
		To:            original.From,
		Type:          MessageResponse,
		Payload:       payload,
		ReplyTo:       original.ID,
		CorrelationID: original.CorrelationID,
	}
	return b.Send(resp)
}

// Broadcast delivers the payload to every subscribed agent except the
// sender. Agents without handlers are skipped.
func (b *Bus) Broadcast(from string, payload json.RawMessage, msgType MessageType) []*Message {
	b.mu.RLock()
	recipients := make([]string, 0, len(b.handlers))
	for agentID := range b.handlers {
		if agentID != from {
			recipients = append(recipients, agentID)
		}
	}
	b.mu.RUnlock()

	sent := make([]*Message, 0, len(recipients))
	for _, to := range recipients {
		msg, err := b.Send(&Message{From: from, To: to, Type: msgType, Payload: payload})
		if err != nil {
			continue
		}
		sent = append(sent, msg)
	}
	return sent
}
