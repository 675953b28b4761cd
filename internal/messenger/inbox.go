// internal/messenger/inbox.go
package messenger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Inbox registers addr and queues every message whose type is in types onto
// the returned channel. Messages of other types, and messages arriving while
// the queue is full, are dropped. Inbox handlers never reply.
//
// The returned function unregisters the address and closes the channel.
func (b *Bus) Inbox(addr Address, size int, types ...MessageType) (<-chan Envelope, func(), error) {
	if size < 1 {
		size = 1
	}
	in := &inbox{
		ch:     make(chan Envelope, size),
		types:  make(map[MessageType]struct{}, len(types)),
		logger: b.logger,
	}
	for _, t := range types {
		in.types[t] = struct{}{}
	}

	unregister, err := b.Register(addr, in)
	if err != nil {
		return nil, nil, err
	}
	return in.ch, func() {
		unregister()
		in.close()
	}, nil
}

type inbox struct {
	mu     sync.Mutex
	closed bool
	ch     chan Envelope
	types  map[MessageType]struct{}
	logger *zap.Logger
}

func (in *inbox) HandleMessage(_ context.Context, env Envelope, _ Replier) bool {
	if len(in.types) > 0 {
		if _, ok := in.types[env.Message.Type]; !ok {
			return false
		}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	select {
	case in.ch <- env:
	default:
		in.logger.Warn("Inbox full; dropping message.",
			zap.Stringer("to", env.To),
			zap.String("type", string(env.Message.Type)))
	}
	return false
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.closed = true
		close(in.ch)
	}
}
