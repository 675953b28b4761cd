// internal/orchestrator/notifier.go
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Notifier surfaces flow failures to the user.
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at warn level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

// Notify logs title with message as a field.
func (n *LogNotifier) Notify(_ context.Context, title, message string) {
	n.logger.Warn(title, zap.String("message", message))
}

// WriterNotifier prints notifications as single lines, for the terminal.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterNotifier creates a notifier that prints to w.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

// Notify writes "title: message" as one line.
func (n *WriterNotifier) Notify(_ context.Context, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "%s: %s\n", title, message)
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

// Notify forwards to every notifier in order.
func (ns Notifiers) Notify(ctx context.Context, title, message string) {
	for _, n := range ns {
		n.Notify(ctx, title, message)
	}
}
