package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/halcyon-erp/halcyon-erp/internal/ap"
)

// SummaryRefreshHandlers binds the refresh tasks to the settlement service.
type SummaryRefreshHandlers struct {
	service *ap.Service
	logger  *slog.Logger
}

// NewSummaryRefreshHandlers constructs the handler set.
func NewSummaryRefreshHandlers(service *ap.Service, logger *slog.Logger) *SummaryRefreshHandlers {
	return &SummaryRefreshHandlers{service: service, logger: logger}
}

// TaskHandlers lists the asynq registrations for worker setup.
func (h *SummaryRefreshHandlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskSummaryRefresh, Handler: h.handleRefresh},
		{Type: TaskSummaryRebuildAll, Handler: h.handleRebuildAll},
	}
}

func (h *SummaryRefreshHandlers) handleRefresh(ctx context.Context, t *asynq.Task) error {
	var payload SummaryRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.SupplierID <= 0 {
		return asynq.SkipRetry
	}
	if _, _, err := h.service.RebuildLedger(ctx, payload.SupplierID); err != nil {
		h.logger.Error("summary refresh",
			slog.Int64("supplier_id", payload.SupplierID), slog.Any("error", err))
		return err
	}
	return nil
}

func (h *SummaryRefreshHandlers) handleRebuildAll(ctx context.Context, t *asynq.Task) error {
	if err := h.service.RebuildAllSummaries(ctx); err != nil {
		h.logger.Error("summary rebuild all", slog.Any("error", err))
		return err
	}
	h.logger.Info("summary rebuild all completed")
	return nil
}
