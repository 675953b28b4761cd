// internal/messenger/bus.go
package messenger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// codec serialises every message at the context boundary so that sender and
// receiver never share a Go value.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrAlreadyRegistered = errors.New("messenger: address already registered")
	ErrNoReceiver        = errors.New("messenger: receiving end does not exist")
	ErrNoReply           = errors.New("messenger: handler closed the reply channel without replying")
	ErrNoReplyChannel    = errors.New("messenger: message was sent without a reply channel")
	ErrReplyClosed       = errors.New("messenger: reply channel already closed")
	ErrShutdown          = errors.New("messenger: bus is shut down")
)

// Replier answers a single Request. Reply succeeds at most once.
type Replier interface {
	Reply(msg Message) error
}

// Handler receives messages addressed to a registered context. Returning true
// keeps the reply channel open until Reply is called; returning false closes
// it as soon as the handler returns, so a requester never waits on a handler
// that has nothing to say.
type Handler interface {
	HandleMessage(ctx context.Context, env Envelope, reply Replier) bool
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env Envelope, reply Replier) bool

func (f HandlerFunc) HandleMessage(ctx context.Context, env Envelope, reply Replier) bool {
	return f(ctx, env, reply)
}

// Bus routes messages between registered contexts. Each delivery runs on its
// own goroutine; there is no ordering between deliveries to distinct addresses.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[Address]*registration

	// ctx is handed to handlers and cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	inflight     sync.WaitGroup
	shutdownMu   sync.Mutex
	isShutdown   bool
	shutdownOnce sync.Once
}

// registration gives each Register call its own identity, so a stale
// unregister never removes a later handler at the same address.
type registration struct {
	h Handler
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:   logger.Named("messenger"),
		handlers: make(map[Address]*registration),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register binds h to addr. Only one handler may own an address; the returned
// function releases it.
func (b *Bus) Register(addr Address, h Handler) (func(), error) {
	if b.shutdown() {
		return nil, ErrShutdown
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, addr)
	}
	reg := &registration{h: h}
	b.handlers[addr] = reg
	b.logger.Debug("Context registered.", zap.Stringer("address", addr))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.handlers[addr] == reg {
				delete(b.handlers, addr)
			}
			b.logger.Debug("Context unregistered.", zap.Stringer("address", addr))
		})
	}, nil
}

// Send delivers msg to the context at to without waiting for a reply.
func (b *Bus) Send(ctx context.Context, from, to Address, msg Message) error {
	_, err := b.dispatch(ctx, from, to, msg, false)
	return err
}

// Request delivers msg and waits for the handler's reply.
func (b *Bus) Request(ctx context.Context, from, to Address, msg Message) (Message, error) {
	rep, err := b.dispatch(ctx, from, to, msg, true)
	if err != nil {
		return Message{}, err
	}

	select {
	case data, ok := <-rep.ch:
		if !ok {
			return Message{}, fmt.Errorf("%w (%s from %s)", ErrNoReply, msg.Type, to)
		}
		var reply Message
		if err := codec.Unmarshal(data, &reply); err != nil {
			return Message{}, fmt.Errorf("messenger: decode reply from %s: %w", to, err)
		}
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-b.ctx.Done():
		return Message{}, ErrShutdown
	}
}

func (b *Bus) dispatch(ctx context.Context, from, to Address, msg Message, wantReply bool) (*replier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Check shutdown and account for the delivery under one lock so Shutdown
	// cannot slip between them.
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return nil, ErrShutdown
	}
	b.inflight.Add(1)
	b.shutdownMu.Unlock()

	b.mu.RLock()
	reg, ok := b.handlers[to]
	b.mu.RUnlock()
	if !ok {
		b.inflight.Done()
		return nil, fmt.Errorf("%w: %s", ErrNoReceiver, to)
	}

	data, err := codec.Marshal(msg)
	if err != nil {
		b.inflight.Done()
		return nil, fmt.Errorf("messenger: encode %s: %w", msg.Type, err)
	}

	// A Send outlives its caller, so its handler only sees the bus context. A
	// Request's handler is also cancelled when the requester gives up, and
	// released once the reply channel closes.
	hctx := b.ctx
	rep := &replier{}
	if wantReply {
		rep.ch = make(chan []byte, 1)
		var cancel context.CancelFunc
		hctx, cancel = context.WithCancel(b.ctx)
		stop := context.AfterFunc(ctx, cancel)
		rep.release = func() {
			stop()
			cancel()
		}
	}

	env := Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
	}
	b.logger.Debug("Dispatching message.",
		zap.String("type", string(msg.Type)),
		zap.String("id", env.ID),
		zap.Stringer("from", from),
		zap.Stringer("to", to))

	go b.deliver(hctx, reg.h, env, data, rep)
	return rep, nil
}

func (b *Bus) deliver(ctx context.Context, h Handler, env Envelope, data []byte, rep *replier) {
	defer b.inflight.Done()
	keepOpen := false
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in message handler.",
				zap.Stringer("to", env.To),
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
			keepOpen = false
		}
		if !keepOpen {
			rep.close()
		}
	}()

	if err := codec.Unmarshal(data, &env.Message); err != nil {
		b.logger.Error("Dropping undecodable message.", zap.String("id", env.ID), zap.Error(err))
		return
	}
	keepOpen = h.HandleMessage(ctx, env, rep)
}

// Shutdown refuses further messages, cancels the handler context and waits
// for handlers that are still running.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		b.cancel()
		b.inflight.Wait()

		b.mu.Lock()
		b.handlers = make(map[Address]*registration)
		b.mu.Unlock()
		b.logger.Debug("Messenger shut down.")
	})
}

func (b *Bus) shutdown() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// replier is the reply half of a delivery. ch is nil for Send. release
// cancels the handler context of a Request.
type replier struct {
	once    sync.Once
	ch      chan []byte
	release func()
}

func (r *replier) Reply(msg Message) error {
	if r.ch == nil {
		return ErrNoReplyChannel
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messenger: encode reply: %w", err)
	}
	sent := false
	r.once.Do(func() {
		r.ch <- data // buffered; never blocks
		close(r.ch)
		sent = true
		r.release()
	})
	if !sent {
		return ErrReplyClosed
	}
	return nil
}

func (r *replier) close() {
	r.once.Do(func() {
		if r.ch != nil {
			close(r.ch)
			r.release()
		}
	})
}
