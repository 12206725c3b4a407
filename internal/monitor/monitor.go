// Package monitor runs the chat ingestion loop: fetch new messages, filter,
// extract, gate, apply, then advance the checkpoint.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stayuptodo-laundry/internal/chat"
	"stayuptodo-laundry/internal/extract"
	"stayuptodo-laundry/internal/gate"
	"stayuptodo-laundry/internal/metrics"
)

// Message outcomes besides the gate's own.
const (
	OutcomeFiltered = "filtered"
	OutcomeFailed   = "failed"
)

// Classifier is the relevance pre-screen.
type Classifier interface {
	Classify(text string) bool
}

// Extractor turns text into a candidate update.
type Extractor interface {
	Extract(ctx context.Context, text string) (extract.Result, error)
}

// Applier decides on and applies a candidate update.
type Applier interface {
	Apply(ctx context.Context, msg chat.Message, res extract.Result) (gate.Outcome, error)
}

// Config controls the loop.
type Config struct {
	Enabled  bool
	Interval time.Duration
	// RequestTimeout bounds the fetch and each extraction call.
	RequestTimeout time.Duration
	CheckpointName string
}

// CycleReport summarises one cycle.
type CycleReport struct {
	CycleID    string
	Fetched    int
	Outcomes   map[string]int
	Checkpoint chat.Checkpoint
}

// Count returns the number of messages that ended with outcome.
func (r CycleReport) Count(outcome string) int {
	return r.Outcomes[outcome]
}

// Service is the ingestion scheduler. It is the only writer of the checkpoint.
type Service struct {
	cfg         Config
	source      chat.Source
	filter      Classifier
	extractor   Extractor
	gate        Applier
	checkpoints CheckpointStore
	log         *slog.Logger

	// mu serialises cycles so PollOnce and Run never overlap.
	mu         sync.Mutex
	checkpoint chat.Checkpoint
	loaded     bool
}

// NewService wires a scheduler. A nil checkpoint store keeps the cursor in
// memory only.
func NewService(cfg Config, source chat.Source, filter Classifier, extractor Extractor, applier Applier, checkpoints CheckpointStore, logger *slog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.CheckpointName == "" {
		cfg.CheckpointName = "telegram"
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpoints()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		source:      source,
		filter:      filter,
		extractor:   extractor,
		gate:        applier,
		checkpoints: checkpoints,
		log:         logger.With("component", "monitor"),
	}
}

// Checkpoint returns the in-memory cursor.
func (s *Service) Checkpoint() chat.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Run polls once immediately and then once per interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("chat monitor is disabled, not starting")
		return
	}
	s.log.Info("starting chat monitor", "interval", s.cfg.Interval)

	s.cycle(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("chat monitor shutting down")
			return
		case <-timer.C:
			s.cycle(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	if _, err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("poll cycle failed, retrying next interval", "error", err)
	}
}

// PollOnce runs a single cycle. It returns an error when the fetch failed, in
// which case the checkpoint is unchanged, or when ctx was cancelled mid-batch,
// in which case the checkpoint covers the messages already processed.
func (s *Service) PollOnce(ctx context.Context) (CycleReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := CycleReport{CycleID: uuid.NewString(), Outcomes: make(map[string]int)}
	log := s.log.With("cycle_id", report.CycleID)

	if err := s.ensureLoaded(ctx, log); err != nil {
		metrics.RecordCycle("checkpoint_error")
		return report, err
	}
	report.Checkpoint = s.checkpoint

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	batch, err := s.source.Fetch(fetchCtx, s.checkpoint)
	cancel()
	if err != nil {
		metrics.RecordCycle("fetch_error")
		return report, fmt.Errorf("fetch messages after update %d: %w", s.checkpoint.UpdateID, err)
	}

	msgs := append([]chat.Message(nil), batch.Messages...)
	chat.SortOldestFirst(msgs)
	report.Fetched = len(msgs)
	log.Debug("fetched messages", "count", len(msgs), "after_update_id", s.checkpoint.UpdateID)

	next := batch.Last
	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Stop between messages; the rest of the batch is fetched again.
			next = s.checkpoint
			break
		}
		outcome := s.process(ctx, log, msg)
		if ctx.Err() != nil && !committed(outcome) {
			// Interrupted mid-message: leave it for the next run.
			next = s.checkpoint
			break
		}
		report.Outcomes[outcome]++
		metrics.RecordMessage(outcome)
		s.checkpoint = chat.Checkpoint{UpdateID: msg.UpdateID, Timestamp: msg.Timestamp}
		if ctx.Err() != nil {
			next = s.checkpoint
			break
		}
	}

	s.advance(ctx, log, next)
	report.Checkpoint = s.checkpoint
	metrics.RecordCycle("ok")
	log.Info("poll cycle finished",
		"fetched", report.Fetched,
		"applied", report.Count(string(gate.OutcomeApplied)),
		"failed", report.Count(OutcomeFailed),
		"checkpoint", s.checkpoint.UpdateID,
	)
	return report, ctx.Err()
}

func (s *Service) ensureLoaded(ctx context.Context, log *slog.Logger) error {
	if s.loaded {
		return nil
	}
	cp, ok, err := s.checkpoints.LoadCheckpoint(ctx, s.cfg.CheckpointName)
	if err != nil {
		return fmt.Errorf("load checkpoint %q: %w", s.cfg.CheckpointName, err)
	}
	if ok {
		s.checkpoint = cp
		log.Info("resuming from checkpoint", "update_id", cp.UpdateID, "timestamp", cp.Timestamp)
	} else {
		log.Warn("no saved checkpoint, starting from the oldest pending update")
	}
	s.loaded = true
	return nil
}

// advance moves the cursor forward and persists it. A failed save keeps the
// in-memory value so the same window is not reprocessed in this process.
func (s *Service) advance(ctx context.Context, log *slog.Logger, next chat.Checkpoint) {
	if next.UpdateID < s.checkpoint.UpdateID {
		next = s.checkpoint
	}
	s.checkpoint = next
	if err := s.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), s.cfg.CheckpointName, next); err != nil {
		log.Error("failed to save checkpoint", "error", err, "update_id", next.UpdateID)
	}
}

// committed reports whether the registry already holds the result of a
// message, so replaying it would write the update twice.
func committed(outcome string) bool {
	return outcome == string(gate.OutcomeApplied) || outcome == string(gate.OutcomeUnchanged)
}

// process runs one message through the pipeline. Failures are logged and
// reported as OutcomeFailed; they never abort the cycle.
func (s *Service) process(ctx context.Context, log *slog.Logger, msg chat.Message) (outcome string) {
	log = log.With("update_id", msg.UpdateID, "message_id", msg.MessageID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing message", "outcome", OutcomeFailed, "panic", r)
			outcome = OutcomeFailed
		}
	}()

	if !s.filter.Classify(msg.Text) {
		log.Debug("message not relevant", "outcome", OutcomeFiltered)
		return OutcomeFiltered
	}

	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	start := time.Now()
	res, err := s.extractor.Extract(extractCtx, msg.Text)
	cancel()
	if err != nil {
		metrics.RecordExtraction("error", time.Since(start))
		log.Error("extraction failed", "outcome", OutcomeFailed, "error", err)
		return OutcomeFailed
	}
	metrics.RecordExtraction("ok", time.Since(start))

	o, err := s.gate.Apply(ctx, msg, res)
	if err != nil {
		log.Error("applying update failed", "outcome", OutcomeFailed, "machine_id", res.MachineID, "error", err)
		return OutcomeFailed
	}
	return string(o)
}
