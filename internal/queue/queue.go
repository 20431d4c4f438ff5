// Package queue is the fire-and-forget worker pool behind cue and
// schedule dispatch. Device actions fan out of the engine as persistent
// tasks, workers replay them against the zone registry, and an action
// that keeps failing is parked on a dead-letter queue tagged with the
// zone/verb identity it was aimed at, instead of ever unwinding into
// the phase engine.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Task is one queued device action. Data carries the typed payloads
// built by TaskFactory (cue actions, zone commands, hint fires, raw
// publishes); Type selects the worker handler.
type Task struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	Data          map[string]any `json:"data"`
	Priority      int            `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	Retries       int            `json:"retries"`
	MaxRetry      int            `json:"max_retry"`
}

// Command returns the device verb the task carries, for worker logging
// and dead-letter tagging.
func (t Task) Command() string {
	verb, _ := t.Data["command"].(string)
	return verb
}

// taskPriorities orders the queue inside the broker: operator-facing
// hint fires jump ahead of bulk cue fan-out, raw bus publishes drain
// last.
var taskPriorities = map[string]int{
	TaskTypeHintFire:   8,
	TaskTypeZoneCmd:    6,
	TaskTypeCueAction:  5,
	TaskTypeBusPublish: 3,
}

// maxPriority caps the broker-side priority range the action queue is
// declared with.
const maxPriority = 10

// PriorityFor returns the queue tier for a task type; unknown types
// drain after everything else.
func PriorityFor(taskType string) int {
	if p, ok := taskPriorities[taskType]; ok {
		return p
	}
	return 1
}

// TaskResult reports one executed task back to the engine with enough
// identity (type, verb, zones) for the warnings topic.
type TaskResult struct {
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Command  string         `json:"command,omitempty"`
	Zones    []string       `json:"zones,omitempty"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// TaskHandler executes one task against the zone registry.
type TaskHandler func(ctx context.Context, task Task) (map[string]any, error)

// Config tunes the queue at connect time.
type Config struct {
	URL        string
	QueueName  string
	Prefetch   int
	MaxRetries int           // per-task retry cap when a task doesn't set its own
	RetryDelay time.Duration // linear backoff unit between replays
	Logger     *slog.Logger
}

// Queue owns one AMQP connection/channel pair, the priority-ordered
// action queue, and its dead-letter sibling.
type Queue struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	name    string
	dlq     string
	retryIn time.Duration
	maxTry  int
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	results chan TaskResult

	ctx    context.Context
	cancel context.CancelFunc
}

// New dials the broker and declares the action queue and its
// dead-letter sibling.
func New(cfg Config) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	// Priority range sized to the task tiers, so a hint fired by an
	// operator overtakes a burst of queued cue actions.
	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, amqp.Table{
		"x-max-priority": maxPriority,
	}); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare action queue: %w", err)
	}
	dlq := cfg.QueueName + "_dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare dead-letter queue: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryIn := cfg.RetryDelay
	if retryIn <= 0 {
		retryIn = 500 * time.Millisecond
	}
	maxTry := cfg.MaxRetries
	if maxTry <= 0 {
		maxTry = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		conn: conn, ch: ch, name: cfg.QueueName, dlq: dlq,
		retryIn: retryIn, maxTry: maxTry, logger: logger,
		handlers: make(map[string]TaskHandler),
		results:  make(chan TaskResult, 128),
		ctx:      ctx, cancel: cancel,
	}, nil
}

// RegisterHandler wires the worker for a task type; the cue dispatcher
// registers the handler that drives the zone registry.
func (q *Queue) RegisterHandler(taskType string, handler TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = handler
}

// Publish enqueues task. A zero Priority is filled from the task-type
// tier; a zero MaxRetry from the queue-wide cap.
func (q *Queue) Publish(ctx context.Context, task Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Priority == 0 {
		task.Priority = PriorityFor(task.Type)
	}
	if task.MaxRetry == 0 {
		task.MaxRetry = q.maxTry
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	return q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     task.ID,
		CorrelationId: task.CorrelationID,
		Priority:      uint8(task.Priority),
		Timestamp:     task.CreatedAt,
		Headers:       amqp.Table{"x-task-type": task.Type},
		Body:          body,
	})
}

// Start begins consuming tasks until ctx is cancelled or the queue is
// closed.
func (q *Queue) Start(ctx context.Context) error {
	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	go q.work(ctx, deliveries)
	return nil
}

func (q *Queue) work(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			q.handle(ctx, msg)
		}
	}
}

func (q *Queue) handle(ctx context.Context, msg amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		q.logger.Error("undecodable task, dead-lettering", "error", err)
		q.deadLetter(ctx, Task{}, msg.Body, "undecodable")
		msg.Nack(false, false)
		return
	}

	q.mu.RLock()
	handler, ok := q.handlers[task.Type]
	q.mu.RUnlock()
	if !ok {
		q.logger.Error("no handler for task type, dead-lettering",
			"task", task.ID, "type", task.Type)
		q.deadLetter(ctx, task, msg.Body, "no_handler")
		msg.Nack(false, false)
		return
	}

	start := time.Now()
	out, err := handler(ctx, task)

	result := TaskResult{
		TaskID:   task.ID,
		TaskType: task.Type,
		Command:  task.Command(),
		Zones:    ZoneTargets(task.Data),
		Duration: time.Since(start),
	}

	if err == nil {
		result.Success = true
		result.Result = out
		msg.Ack(false)
		q.report(result)
		return
	}

	result.Error = err.Error()
	if task.Retries < task.MaxRetry {
		task.Retries++
		q.logger.Warn("task failed, retrying",
			"task", task.ID, "type", task.Type,
			"command", result.Command, "zones", strings.Join(result.Zones, ","),
			"attempt", task.Retries, "error", err)
		q.requeueLater(task)
	} else {
		q.logger.Error("task exhausted retries, dead-lettering",
			"task", task.ID, "type", task.Type,
			"command", result.Command, "zones", strings.Join(result.Zones, ","),
			"error", err)
		q.deadLetter(ctx, task, msg.Body, err.Error())
	}
	msg.Nack(false, false)
	q.report(result)
}

// requeueLater republishes a failed task after a linear backoff, so a
// briefly-unreachable device gets a quiet moment before the replay.
func (q *Queue) requeueLater(task Task) {
	delay := time.Duration(task.Retries) * q.retryIn
	time.AfterFunc(delay, func() {
		if err := q.Publish(q.ctx, task); err != nil {
			q.logger.Error("requeue failed", "task", task.ID, "error", err)
		}
	})
}

// deadLetter parks the task where an operator can inspect it, tagged
// with the zone/verb identity the action was aimed at.
func (q *Queue) deadLetter(ctx context.Context, task Task, body []byte, reason string) {
	headers := amqp.Table{
		"x-reason":    reason,
		"x-task-type": task.Type,
		"x-retries":   int32(task.Retries),
	}
	if verb := task.Command(); verb != "" {
		headers["x-command"] = verb
	}
	if zones := ZoneTargets(task.Data); len(zones) > 0 {
		headers["x-zones"] = strings.Join(zones, ",")
	}
	if task.CorrelationID != "" {
		headers["x-correlation-id"] = task.CorrelationID
	}

	if err := q.ch.PublishWithContext(ctx, "", q.dlq, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
	}); err != nil {
		q.logger.Error("dead-letter publish failed", "task", task.ID, "error", err)
	}
}

func (q *Queue) report(r TaskResult) {
	select {
	case q.results <- r:
	default:
	}
}

// Results returns the channel the engine drains to bridge failed
// actions onto the warnings topic.
func (q *Queue) Results() <-chan TaskResult {
	return q.results
}

// Close stops the worker and tears down the channel and connection.
func (q *Queue) Close() error {
	q.cancel()
	if err := q.ch.Close(); err != nil {
		return err
	}
	return q.conn.Close()
}

// HealthCheck reports broker liveness for the ops /health endpoint.
func (q *Queue) HealthCheck() error {
	if q.conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}
	return nil
}
