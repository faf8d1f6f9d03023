package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/photoshare-pipeline/internal/api/respond"
)

// Handler serves liveness and readiness probes for the worker.
type Handler struct {
	db *dbpg.DB
}

// NewHandler creates a new Handler with the given DB connection.
func NewHandler(db *dbpg.DB) *Handler {
	return &Handler{db: db}
}

// Live reports that the process is up.
func (h *Handler) Live(c *ginext.Context) {
	respond.OK(c, "ok")
}

// Ready reports whether the worker's metadata store is reachable.
func (h *Handler) Ready(c *ginext.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Master.PingContext(ctx); err != nil {
		respond.Fail(c, http.StatusServiceUnavailable, fmt.Errorf("database unreachable: %w", err))
		return
	}

	respond.OK(c, "ready")
}
