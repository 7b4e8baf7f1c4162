// Package jobs wires the background work of the ledger onto Asynq: the
// transfer reconciliation sweep and projection rebuilds.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTransferReconcile sweeps for transfers debited but never credited.
	TaskTransferReconcile = "inventory:reconcile_transfers"
	// TaskProjectionRebuild refolds one aggregate's projection from its log.
	TaskProjectionRebuild = "inventory:rebuild_projection"
)

// TransferReconcilePayload scopes a sweep. An empty TenantID sweeps every
// tenant known to the event log.
type TransferReconcilePayload struct {
	TenantID     string    `json:"tenantId,omitempty"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

// NewTransferReconcileTask constructs the sweep task.
func NewTransferReconcileTask(tenantID string) (*asynq.Task, error) {
	body, err := json.Marshal(TransferReconcilePayload{TenantID: tenantID, ScheduledFor: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransferReconcile, body, asynq.Queue(QueueDefault)), nil
}

// ProjectionRebuildPayload names the aggregate to refold.
type ProjectionRebuildPayload struct {
	TenantID    string `json:"tenantId"`
	ItemID      string `json:"itemId"`
	WarehouseID string `json:"warehouseId"`
}

// NewProjectionRebuildTask constructs the rebuild task.
func NewProjectionRebuildTask(tenantID, itemID, warehouseID string) (*asynq.Task, error) {
	body, err := json.Marshal(ProjectionRebuildPayload{TenantID: tenantID, ItemID: itemID, WarehouseID: warehouseID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProjectionRebuild, body, asynq.Queue(QueueDefault)), nil
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// EnqueueTransferReconcile enqueues a reconciliation sweep.
func (c *Client) EnqueueTransferReconcile(ctx context.Context, tenantID string) (*asynq.TaskInfo, error) {
	task, err := NewTransferReconcileTask(tenantID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueProjectionRebuild enqueues a projection rebuild.
func (c *Client) EnqueueProjectionRebuild(ctx context.Context, tenantID, itemID, warehouseID string) (*asynq.TaskInfo, error) {
	task, err := NewProjectionRebuildTask(tenantID, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
