// internal/helper/helper.go
package helper

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/handoff"
	"github.com/xkilldash9x/shotpaste/internal/messenger"
)

// Helper runs the copy step of a capture inside the helper tab. It is the
// only context that touches the clipboard.
type Helper struct {
	store  *handoff.Store
	bus    *messenger.Bus
	clip   Clipboard
	logger *zap.Logger
}

// New creates a helper.
func New(store *handoff.Store, bus *messenger.Bus, clip Clipboard, logger *zap.Logger) *Helper {
	return &Helper{
		store:  store,
		bus:    bus,
		clip:   clip,
		logger: logger.Named("helper"),
	}
}

// Run reads the record stamped with ticket, copies its payload to the
// clipboard from tabID and reports to the orchestrator. Exactly one of
// CopyComplete or CopyFailed is sent; the returned error is the send error.
func (h *Helper) Run(ctx context.Context, tabID string, ticket handoff.Ticket) error {
	from := messenger.Helper(tabID)
	log := h.logger.With(zap.String("helper_tab", tabID), zap.Uint64("seq", uint64(ticket)))

	originalTab, err := h.copy(ctx, tabID, ticket)
	if err != nil {
		log.Warn("Copy failed.", zap.String("original_tab", originalTab), zap.Error(err))
		return h.bus.Send(ctx, from, messenger.Orchestrator(), messenger.CopyFailed(originalTab, uint64(ticket), err))
	}

	log.Info("Screenshot copied.", zap.String("original_tab", originalTab))
	return h.bus.Send(ctx, from, messenger.Orchestrator(), messenger.CopyComplete(originalTab, uint64(ticket)))
}

// copy returns the correlation id it read, even on failure, so the failure
// message can still name the original tab.
func (h *Helper) copy(ctx context.Context, tabID string, ticket handoff.Ticket) (string, error) {
	rec, err := h.store.Get(ticket)
	if err != nil {
		if errors.Is(err, handoff.ErrEmpty) {
			return "", fmt.Errorf("no screenshot data found: %w", err)
		}
		return "", err
	}
	if err := h.clip.WriteImage(ctx, tabID, rec.Payload); err != nil {
		return rec.CorrelationID, err
	}
	// Only the correlation id goes; the payload stays for the orchestrator.
	if err := h.store.ClearCorrelation(ticket); err != nil {
		return rec.CorrelationID, fmt.Errorf("clear %s: %w", handoff.KeyOriginalTabID, err)
	}
	return rec.CorrelationID, nil
}
