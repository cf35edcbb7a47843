package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// ErrWorkerStopped is returned for requests delivered after Stop began.
var ErrWorkerStopped = errors.New("worker stopped")

// Worker runs queued analyses from the event bus.
type Worker struct {
	bus      domain.EventBus
	pipeline *Pipeline

	// inflight.Add only happens under mu while stopping is false, so
	// Stop's Wait never races a new Add.
	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopping      bool
	running       int
	processed     int64
	failed        int64

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewWorker creates a worker bound to a bus and a pipeline.
func NewWorker(bus domain.EventBus, pipeline *Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to analysis requests.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicAnalysisRequested, w.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicAnalysisRequested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicAnalysisRequested)
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *domain.Message) error {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		slog.Warn("analysis request dropped, worker stopping", "message_id", msg.ID)
		return ErrWorkerStopped
	}
	w.inflight.Add(1)
	w.running++
	w.mu.Unlock()

	err := w.process(ctx, msg)

	w.mu.Lock()
	w.running--
	if err != nil {
		w.failed++
	} else {
		w.processed++
	}
	w.mu.Unlock()
	w.inflight.Done()
	return err
}

func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	var req AnalysisRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse analysis request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// a started analysis runs to completion even if the subscription ends
	start := time.Now()
	out, err := w.pipeline.Process(context.WithoutCancel(ctx), "worker", req.AnalysisID)
	if err != nil {
		return err
	}

	slog.Info("analysis processed",
		"analysis_id", out.AnalysisID,
		"message_id", msg.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight analyses to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopping = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.inflight.Wait()
	w.cancel()

	slog.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions and progress.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Running           int      `json:"running"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Stopping          bool     `json:"stopping"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Running:           w.running,
		Processed:         w.processed,
		Failed:            w.failed,
		Stopping:          w.stopping,
	}
}
