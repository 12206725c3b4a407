package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health handles GET /healthz. It always answers 200 while the process
// serves requests and reports the database state alongside.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok", "machines": h.machines.Len()}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			resp["database"] = "unavailable"
		} else {
			resp["database"] = "ok"
		}
	}
	c.JSON(http.StatusOK, resp)
}
