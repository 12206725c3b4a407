package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stayuptodo-laundry/internal/apperr"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/parse"
	"stayuptodo-laundry/internal/registry"
)

// ListMachines handles GET /api/machines with optional status, type and block
// filters.
func (h *Handler) ListMachines(c *gin.Context) {
	var f registry.Filter

	if raw := c.Query("status"); raw != "" {
		st, err := model.ParseStatus(raw)
		if err != nil {
			badRequest(c, "invalid status")
			return
		}
		f.Status = &st
	}
	if raw := c.Query("type"); raw != "" {
		t := model.MachineType(strings.ToLower(raw))
		if t != model.TypeWasher && t != model.TypeDryer {
			badRequest(c, "type must be washer or dryer")
			return
		}
		f.Type = &t
	}
	if raw := c.Query("block"); raw != "" {
		block, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "invalid block number")
			return
		}
		if !parse.IsValidBlock(block) {
			badRequest(c, "block number must be 55, 57, or 59")
			return
		}
		f.Block = &block
	}

	c.JSON(http.StatusOK, h.machines.List(f))
}

// CreateMachine handles POST /api/machines.
func (h *Handler) CreateMachine(c *gin.Context) {
	var m model.Machine
	if err := c.ShouldBindJSON(&m); err != nil {
		badRequest(c, "invalid machine data: "+err.Error())
		return
	}
	if strings.TrimSpace(m.ID) == "" {
		badRequest(c, "machine id is required")
		return
	}

	created, err := h.machines.Create(c.Request.Context(), m)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// InitializeMachines handles POST /api/machines/initialize.
func (h *Handler) InitializeMachines(c *gin.Context) {
	machines, err := h.machines.Initialize(c.Request.Context(), h.layout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, machines)
}

// GetMachine handles GET /api/machines/:id.
func (h *Handler) GetMachine(c *gin.Context) {
	m, err := h.machines.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// DeleteMachine handles DELETE /api/machines/:id.
func (h *Handler) DeleteMachine(c *gin.Context) {
	if err := h.machines.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetHistory handles GET /api/machines/:id/history.
func (h *Handler) GetHistory(c *gin.Context) {
	history, err := h.machines.History(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

type statusRequest struct {
	Status               string     `json:"status" binding:"required"`
	User                 string     `json:"user" binding:"required"`
	EstimatedFinishTime  *time.Time `json:"estimated_finish_time"`
	RemainingTimeSeconds *int       `json:"remaining_time_seconds"`
}

// UpdateStatus handles PUT /api/machines/:id/status. A finish time may be
// given absolutely or as seconds from now; it only sticks to machines in use.
func (h *Handler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.machines.Get(id); err != nil {
		writeError(c, err)
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status and user are required")
		return
	}
	st, err := model.ParseStatus(req.Status)
	if err != nil {
		badRequest(c, "invalid status: "+err.Error())
		return
	}
	if req.EstimatedFinishTime != nil && req.RemainingTimeSeconds != nil {
		badRequest(c, "give either estimated_finish_time or remaining_time_seconds, not both")
		return
	}

	upd := registry.StatusUpdate{Status: st, User: req.User, EstimatedFinishTime: req.EstimatedFinishTime}
	if req.RemainingTimeSeconds != nil {
		finish, err := h.finishFromSeconds(*req.RemainingTimeSeconds)
		if err != nil {
			writeError(c, err)
			return
		}
		upd.EstimatedFinishTime = finish
	}

	t, err := h.machines.SetStatus(c.Request.Context(), id, upd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t.Machine)
}

// UpdateTime handles PATCH /api/machines/:id/time. The body carries either
// estimated_finish_time (null clears it) or remaining_time_seconds (0 clears
// it).
func (h *Handler) UpdateTime(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.machines.Get(id); err != nil {
		writeError(c, err)
		return
	}

	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	rawFinish, hasFinish := body["estimated_finish_time"]
	rawSeconds, hasSeconds := body["remaining_time_seconds"]

	var finish *time.Time
	switch {
	case hasFinish && hasSeconds:
		badRequest(c, "give either estimated_finish_time or remaining_time_seconds, not both")
		return
	case hasFinish:
		if err := json.Unmarshal(rawFinish, &finish); err != nil {
			badRequest(c, "invalid estimated_finish_time")
			return
		}
	case hasSeconds:
		var seconds int
		if err := json.Unmarshal(rawSeconds, &seconds); err != nil {
			badRequest(c, "invalid time value")
			return
		}
		f, err := h.finishFromSeconds(seconds)
		if err != nil {
			writeError(c, err)
			return
		}
		finish = f
	default:
		badRequest(c, "estimated_finish_time or remaining_time_seconds is required")
		return
	}

	m, err := h.machines.SetTime(c.Request.Context(), id, finish)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) finishFromSeconds(seconds int) (*time.Time, error) {
	if seconds < 0 {
		return nil, apperr.Validation("remaining_time_seconds must not be negative")
	}
	if seconds == 0 {
		return nil, nil
	}
	finish := h.now().Add(time.Duration(seconds) * time.Second).UTC()
	return &finish, nil
}

type telegramRequest struct {
	Message    string  `json:"message" binding:"required"`
	MessageURL *string `json:"message_url"`
}

// SetTelegram handles PUT /api/machines/:id/telegram.
func (h *Handler) SetTelegram(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.machines.Get(id); err != nil {
		writeError(c, err)
		return
	}

	var req telegramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message is required")
		return
	}

	m, err := h.machines.SetTelegramRef(c.Request.Context(), id, req.Message, req.MessageURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ClearTelegram handles DELETE /api/machines/:id/telegram.
func (h *Handler) ClearTelegram(c *gin.Context) {
	m, err := h.machines.ClearTelegramRef(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
