// Package jobs runs the asynchronous side of the settlement engine: supplier
// summary refreshes triggered by mutations and the nightly full rebuild.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSummaryRefresh rebuilds one supplier's ledger and cached summary.
	TaskSummaryRefresh = "ap:summary_refresh"
	// TaskSummaryRebuildAll rebuilds every supplier summary.
	TaskSummaryRebuildAll = "ap:summary_rebuild_all"
)

// SummaryRefreshPayload identifies the supplier whose summary to rebuild.
type SummaryRefreshPayload struct {
	SupplierID int64 `json:"supplier_id"`
}

// NewSummaryRefreshTask constructs the per-supplier refresh task.
func NewSummaryRefreshTask(payload SummaryRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSummaryRefresh, data), nil
}

// NewSummaryRebuildAllTask constructs the full rebuild task used by the
// nightly cron entry.
func NewSummaryRebuildAllTask() *asynq.Task {
	return asynq.NewTask(TaskSummaryRebuildAll, nil)
}
