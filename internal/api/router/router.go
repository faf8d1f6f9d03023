package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/photoshare-pipeline/internal/api/handlers/health"
)

func Setup(h *health.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/healthz", h.Live) // process liveness
	r.GET("/readyz", h.Ready) // metadata store reachability

	return r
}
