// Package gate decides whether an extracted update is trustworthy enough to
// apply, and applies it to the registry.
package gate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"stayuptodo-laundry/internal/apperr"
	"stayuptodo-laundry/internal/chat"
	"stayuptodo-laundry/internal/extract"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/registry"
)

// Outcome is the result of Apply.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeUnchanged      Outcome = "unchanged"
	OutcomeLowConfidence  Outcome = "low_confidence"
	OutcomeUnknownMachine Outcome = "unknown_machine"
	OutcomeIrrelevant     Outcome = "irrelevant"
)

const (
	DefaultThreshold     = 0.7
	DefaultAutomatedUser = "telegram-monitor"
	// DefaultMessageLimit caps the stored telegram reference text, in runes.
	DefaultMessageLimit = 200
)

// Machines is the part of the registry the gate writes through.
type Machines interface {
	SetStatus(ctx context.Context, id string, upd registry.StatusUpdate) (registry.Transition, error)
	SetTelegramRef(ctx context.Context, id, message string, url *string) (model.Machine, error)
}

// Config tunes the gate. Zero fields take the defaults above; a nil
// Threshold means DefaultThreshold, while a threshold of 0 applies every
// relevant result.
type Config struct {
	Threshold     *float64
	AutomatedUser string
	// MessageLimit is capped at model.MaxTelegramMessageLength.
	MessageLimit int
	Now          func() time.Time
}

// Threshold returns a pointer to v for Config.Threshold.
func Threshold(v float64) *float64 { return &v }

// Gate applies extraction results above the confidence threshold.
type Gate struct {
	machines  Machines
	cfg       Config
	threshold float64
	log       *slog.Logger
}

// New creates a Gate.
func New(machines Machines, cfg Config, logger *slog.Logger) *Gate {
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if strings.TrimSpace(cfg.AutomatedUser) == "" {
		cfg.AutomatedUser = DefaultAutomatedUser
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = DefaultMessageLimit
	}
	if cfg.MessageLimit > model.MaxTelegramMessageLength {
		cfg.MessageLimit = model.MaxTelegramMessageLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{machines: machines, cfg: cfg, threshold: threshold, log: logger.With("component", "gate")}
}

// Threshold returns the configured confidence threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Apply decides on res and, when it passes, sets the machine status and
// attaches msg as its telegram reference. Skips are not errors: an unknown
// machine or a low confidence returns a nil error with the matching outcome.
func (g *Gate) Apply(ctx context.Context, msg chat.Message, res extract.Result) (Outcome, error) {
	if !res.Relevant {
		return OutcomeIrrelevant, nil
	}

	log := g.log.With("machine_id", res.MachineID, "status", res.Status, "confidence", res.Confidence, "update_id", msg.UpdateID)
	if res.Confidence < g.threshold {
		log.Info("update skipped", "outcome", OutcomeLowConfidence, "threshold", g.threshold)
		return OutcomeLowConfidence, nil
	}

	upd := registry.StatusUpdate{Status: res.Status, User: g.userFor(msg)}
	if res.Status == model.StatusInUse && res.Duration != nil {
		start := msg.Timestamp
		if start.IsZero() {
			start = g.cfg.Now()
		}
		finish := start.Add(*res.Duration)
		upd.EstimatedFinishTime = &finish
	}

	tr, err := g.machines.SetStatus(ctx, res.MachineID, upd)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Warn("update skipped", "outcome", OutcomeUnknownMachine)
			return OutcomeUnknownMachine, nil
		}
		return "", err
	}
	if !tr.Changed {
		log.Info("machine already in reported status", "outcome", OutcomeUnchanged)
		return OutcomeUnchanged, nil
	}

	var url *string
	if msg.URL != "" {
		u := msg.URL
		url = &u
	}
	if _, err := g.machines.SetTelegramRef(ctx, res.MachineID, truncate(msg.Text, g.cfg.MessageLimit), url); err != nil {
		log.Warn("failed to attach telegram message", "error", err)
	}

	log.Info("machine status updated", "outcome", OutcomeApplied, "from", tr.From, "to", tr.To, "user", upd.User)
	return OutcomeApplied, nil
}

func (g *Gate) userFor(msg chat.Message) string {
	if u := strings.TrimPrefix(strings.TrimSpace(msg.Sender.Username), "@"); u != "" {
		return "@" + u
	}
	return g.cfg.AutomatedUser
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
