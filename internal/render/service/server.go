package service

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/littb/snapshot/internal/render/metrics"
	"github.com/littb/snapshot/pkg/types"
)

// CreateHTTPHandler creates the main HTTP request handler with routing
func CreateHTTPHandler(h *Handlers, metricsCollector *metrics.MetricsCollector) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())

		if !ctx.IsGet() && !ctx.IsHead() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			ctx.SetBodyString("Method Not Allowed")
			metricsCollector.RecordHTTPRequest(path, "405")
			return
		}

		switch path {
		case "/render":
			h.HandleRender(ctx, types.ModeHTML)
		case "/preview":
			h.HandleRender(ctx, types.ModePreview)
		case "/health":
			h.HandleHealth(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
			metricsCollector.RecordHTTPRequest(path, "404")
		}
	}
}

// NewServer wraps handler in a fasthttp server whose read and write
// timeouts cover the longest allowed render
func NewServer(handler fasthttp.RequestHandler, serverID string, timeout time.Duration) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  timeout,
		Name:         "RenderService/" + serverID,
	}
}
