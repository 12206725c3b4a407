package api

import (
	"context"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"stayuptodo-laundry/internal/apperr"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/registry"
)

// MachineRegistry is the registry surface the handlers use.
type MachineRegistry interface {
	Len() int
	Get(id string) (model.Machine, error)
	History(id string) ([]model.StatusHistoryEntry, error)
	List(f registry.Filter) []model.Machine
	Create(ctx context.Context, m model.Machine) (model.Machine, error)
	Delete(ctx context.Context, id string) error
	Initialize(ctx context.Context, layout model.Layout) ([]model.Machine, error)
	SetStatus(ctx context.Context, id string, upd registry.StatusUpdate) (registry.Transition, error)
	SetTime(ctx context.Context, id string, finish *time.Time) (model.Machine, error)
	SetTelegramRef(ctx context.Context, id, message string, url *string) (model.Machine, error)
	ClearTelegramRef(ctx context.Context, id string) (model.Machine, error)
}

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	PutSubscription(ctx context.Context, sub model.PushSubscription, machineIDs []string) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	machines MachineRegistry
	// store is nil when no database is configured.
	store   SubscriptionStore
	webpush *webpush.Options
	layout  model.Layout
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(machines MachineRegistry, s SubscriptionStore, webpushOptions *webpush.Options, layout model.Layout) *Handler {
	return &Handler{
		machines: machines,
		store:    s,
		webpush:  webpushOptions,
		layout:   layout,
		now:      time.Now,
	}
}

// writeError maps an error to its HTTP status and writes {"error": msg}.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindExternal:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
