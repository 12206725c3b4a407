// Package extract turns filtered chat text into a structured status update by
// asking an external interpreter, and fails closed on anything it cannot parse.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"stayuptodo-laundry/internal/apperr"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/parse"
)

// Interpreter sends text to a natural-language service and returns its raw
// JSON answer. Errors are transport failures only.
type Interpreter interface {
	Interpret(ctx context.Context, text string) (string, error)
	Name() string
}

// Result is either a parsed candidate update or irrelevant.
type Result struct {
	Relevant   bool
	MachineID  string
	Status     model.Status
	Confidence float64
	// Duration is the remaining run time when the message states one.
	Duration *time.Duration
}

// Irrelevant is the result for messages that do not report a status change.
func Irrelevant() Result { return Result{} }

// payload is the only accepted response shape.
type payload struct {
	Relevant        *bool    `json:"relevant"`
	MachineID       string   `json:"machine_id" validate:"required"`
	Status          string   `json:"status" validate:"required,oneof=available paidFor inUse pendingUnload outOfOrder"`
	Confidence      *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
	DurationMinutes *int     `json:"duration_minutes" validate:"omitempty,gt=0,lte=240"`
}

// Adapter wraps an Interpreter with the strict response contract.
type Adapter struct {
	interp   Interpreter
	validate *validator.Validate
	timeout  time.Duration
	log      *slog.Logger
}

// NewAdapter builds an Adapter. A zero timeout leaves the deadline to ctx.
func NewAdapter(interp Interpreter, timeout time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		interp:   interp,
		validate: validator.New(),
		timeout:  timeout,
		log:      logger.With("component", "extract"),
	}
}

// Extract asks the interpreter about text. Malformed answers are logged and
// returned as Irrelevant; only a failed call returns an error.
func (a *Adapter) Extract(ctx context.Context, text string) (Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	raw, err := a.interp.Interpret(ctx, text)
	if err != nil {
		return Irrelevant(), apperr.External(a.interp.Name(), err)
	}

	res, err := a.Parse(raw)
	if err != nil {
		a.log.Warn("extraction response rejected",
			"outcome", "parse_failure",
			"error", err,
			"response", truncate(raw, 300),
		)
		return Irrelevant(), nil
	}
	if !res.Relevant {
		a.log.Debug("interpreter marked message as not relevant")
	}
	return res, nil
}

// Parse validates one raw interpreter answer.
func (a *Adapter) Parse(raw string) (Result, error) {
	data := []byte(strings.TrimSpace(raw))
	if len(data) == 0 {
		return Irrelevant(), errors.New("empty response")
	}

	// {"relevant": false} is a complete, valid answer on its own.
	var verdict struct {
		Relevant *bool `json:"relevant"`
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		return Irrelevant(), fmt.Errorf("decode response: %w", err)
	}
	if verdict.Relevant != nil && !*verdict.Relevant {
		if err := expectOnlyRelevant(data); err != nil {
			return Irrelevant(), err
		}
		return Irrelevant(), nil
	}

	var p payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Irrelevant(), fmt.Errorf("decode response: %w", err)
	}
	if err := a.validate.Struct(p); err != nil {
		return Irrelevant(), fmt.Errorf("validate response: %w", err)
	}

	id, err := parse.ParseMachineID(p.MachineID)
	if err != nil {
		return Irrelevant(), err
	}

	res := Result{
		Relevant:   true,
		MachineID:  id.String(),
		Status:     model.Status(p.Status),
		Confidence: *p.Confidence,
	}
	if p.DurationMinutes != nil {
		d := time.Duration(*p.DurationMinutes) * time.Minute
		res.Duration = &d
	}
	return res, nil
}

// expectOnlyRelevant rejects irrelevant answers that smuggle extra fields.
func expectOnlyRelevant(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	for k := range fields {
		if k != "relevant" {
			return fmt.Errorf("unexpected field %q in irrelevant response", k)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
