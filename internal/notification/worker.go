package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/SherClockHolmes/webpush-go"

	"stayuptodo-laundry/internal/metrics"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/registry"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Subscriptions is the part of the store the pool reads and prunes.
type Subscriptions interface {
	SubscriptionsForMachine(ctx context.Context, machineID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Job asks the pool to notify everyone watching a machine.
type Job struct {
	MachineID string
	Type      model.MachineType
}

// Payload is the JSON body delivered to the browser.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	MachineID string `json:"machine_id"`
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Job
	subs    Subscriptions
	webpush *webpush.Options
	sender  NotificationSender
	log     *slog.Logger
}

// NewWorkerPool creates a new worker pool. queueSize bounds pending jobs;
// Dispatch drops jobs once it is full.
func NewWorkerPool(size, queueSize int, subs Subscriptions, webpushOptions *webpush.Options, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		subs:    subs,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		log:     logger.With("component", "notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("worker started", "worker", id)
	for {
		select {
		case job := <-wp.jobs:
			wp.sendNotificationsForMachine(ctx, job)
		case <-ctx.Done():
			wp.log.Debug("worker shutting down", "worker", id)
			return
		}
	}
}

// Dispatch queues a job without blocking. It reports false when the queue
// was full and the job was dropped.
func (wp *WorkerPool) Dispatch(job Job) bool {
	select {
	case wp.jobs <- job:
		return true
	default:
		metrics.RecordPush("dropped")
		wp.log.Warn("notification queue full, dropping job", "machine_id", job.MachineID)
		return false
	}
}

// Observe is a registry observer that dispatches a job whenever a machine
// becomes available.
func (wp *WorkerPool) Observe(ev registry.Event) {
	if ev.Kind != registry.EventStatusChanged || ev.To != model.StatusAvailable || ev.From == model.StatusAvailable {
		return
	}
	wp.Dispatch(Job{MachineID: ev.MachineID, Type: ev.Machine.Type()})
}

// BuildPayload renders the notification for a job.
func BuildPayload(job Job) []byte {
	kind := "Machine"
	if job.Type != "" {
		kind = strings.ToUpper(string(job.Type[:1])) + string(job.Type[1:])
	}
	body, _ := json.Marshal(Payload{
		Title:     "Laundry available",
		Body:      fmt.Sprintf("%s %s is now available!", kind, job.MachineID),
		MachineID: job.MachineID,
	})
	return body
}

// sendNotificationsForMachine fetches subscriptions and sends notifications for a given machine.
func (wp *WorkerPool) sendNotificationsForMachine(ctx context.Context, job Job) {
	subscriptions, err := wp.subs.SubscriptionsForMachine(ctx, job.MachineID)
	if err != nil {
		wp.log.Error("failed to fetch subscriptions", "machine_id", job.MachineID, "error", err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	wp.log.Info("sending notifications", "machine_id", job.MachineID, "count", len(subscriptions))

	payload := BuildPayload(job)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		metrics.RecordPush("error")
		wp.log.Error("failed to send notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		metrics.RecordPush("expired")
		wp.log.Info("subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.log.Error("failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
		return
	}
	if resp.StatusCode >= 400 {
		metrics.RecordPush("rejected")
		wp.log.Warn("push service rejected notification", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return
	}
	metrics.RecordPush("sent")
}
