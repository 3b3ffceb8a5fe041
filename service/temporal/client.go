package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) summaryAction(input SummaryInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        SummaryScheduleID + "-run",
		Workflow:  SummaryWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// UpsertSummarySchedule creates the summary schedule, or updates its
// interval and input if it already exists.
func (c *Client) UpsertSummarySchedule(ctx context.Context, interval time.Duration, input SummaryInput) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SummaryScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", SummaryScheduleID,
			"error", err,
		)
		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: SummaryScheduleID,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: c.summaryAction(input),
			Memo: map[string]interface{}{
				"created_by": "solboard",
			},
		})
		if err != nil {
			c.logger.Error("failed to create schedule", "schedule_id", SummaryScheduleID, "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", SummaryScheduleID, err)
		}
		c.logger.Info("summary schedule created", "schedule_id", SummaryScheduleID, "interval", interval)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			in.Description.Schedule.Action = c.summaryAction(input)
			return &client.ScheduleUpdate{Schedule: &in.Description.Schedule}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", SummaryScheduleID, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", SummaryScheduleID, err)
	}

	c.logger.Info("summary schedule updated", "schedule_id", SummaryScheduleID, "interval", interval)
	return nil
}

// DeleteSummarySchedule deletes the summary schedule.
func (c *Client) DeleteSummarySchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SummaryScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", SummaryScheduleID, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", SummaryScheduleID, err)
	}
	c.logger.Info("summary schedule deleted", "schedule_id", SummaryScheduleID)
	return nil
}

// RunSummary starts a summary workflow immediately and waits for it.
func (c *Client) RunSummary(ctx context.Context, input SummaryInput) (*SummaryResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-manual-%d", SummaryScheduleID, time.Now().UnixNano()),
		TaskQueue: c.taskQueue,
	}, SummaryWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start summary workflow: %w", err)
	}
	c.logger.Info("summary workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID())

	var result SummaryResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("summary workflow failed: %w", err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
