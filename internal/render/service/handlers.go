package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/common/httputil"
	"github.com/littb/snapshot/internal/common/requestid"
	"github.com/littb/snapshot/internal/common/urlutil"
	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/metrics"
	"github.com/littb/snapshot/internal/render/orchestrator"
	"github.com/littb/snapshot/internal/render/supervisor"
	"github.com/littb/snapshot/pkg/types"
)

const (
	HeaderRenderError = "X-Render-Error"
	HeaderCache       = "X-Cache"
)

// Renderer produces artifacts for render jobs
type Renderer interface {
	Render(ctx context.Context, job orchestrator.RenderJob) (*orchestrator.Result, error)
}

// HealthSource reports engine state for /health
type HealthSource interface {
	Health() supervisor.Health
}

// RenderDefaults are applied to every job built from a request
type RenderDefaults struct {
	Wait                 engine.WaitPolicy
	Timeout              time.Duration
	MaxTimeout           time.Duration // upper bound for the timeout query parameter
	HardTimeout          time.Duration // deadline for the whole request, including engine startup
	BlockedResourceTypes []string
	BlockedPatterns      []string
	AllowedHosts         []string
}

// Handlers serves the render, preview and health endpoints
type Handlers struct {
	renderer         Renderer
	health           HealthSource
	defaults         RenderDefaults
	metricsCollector *metrics.MetricsCollector
	logger           *zap.Logger
}

func NewHandlers(renderer Renderer, health HealthSource, defaults RenderDefaults, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) *Handlers {
	return &Handlers{
		renderer:         renderer,
		health:           health,
		defaults:         defaults,
		metricsCollector: metricsCollector,
		logger:           logger,
	}
}

// HandleRender serves GET /render and GET /preview
func (h *Handlers) HandleRender(ctx *fasthttp.RequestCtx, mode types.RenderMode) {
	path := string(ctx.Path())
	reqID := requestid.FromHeader(string(ctx.Request.Header.Peek(requestid.Header)))
	ctx.Response.Header.Set(requestid.Header, reqID)

	rawURL := string(ctx.QueryArgs().Peek("url"))
	target, err := urlutil.ValidateTarget(rawURL, h.defaults.AllowedHosts)
	if err != nil {
		h.writeError(ctx, path, fasthttp.StatusBadRequest, httputil.ErrorResponse{
			Error:     err.Error(),
			ErrorType: types.ErrorTypeInvalidURL,
			URL:       rawURL,
			RequestID: reqID,
		})
		return
	}

	timeout, err := h.requestTimeout(ctx)
	if err != nil {
		h.writeError(ctx, path, fasthttp.StatusBadRequest, httputil.ErrorResponse{
			Error:     err.Error(),
			ErrorType: types.ErrorTypeInvalidRequest,
			URL:       rawURL,
			RequestID: reqID,
		})
		return
	}

	job := orchestrator.RenderJob{
		URL:                  target.String(),
		Mode:                 mode,
		Wait:                 h.defaults.Wait,
		Timeout:              timeout,
		BlockedResourceTypes: h.defaults.BlockedResourceTypes,
		BlockedPatterns:      h.defaults.BlockedPatterns,
	}

	logger := h.logger.With(
		zap.String("request_id", reqID),
		zap.String("url", job.URL),
		zap.String("mode", string(mode)))
	logger.Debug("Starting render request", zap.Duration("timeout", timeout))

	// fasthttp's RequestCtx is not cancelled when the client goes away
	renderCtx, cancel := context.WithTimeout(context.Background(), h.defaults.HardTimeout)
	defer cancel()

	result, err := h.renderer.Render(renderCtx, job)
	if err != nil {
		status, errorType := statusForError(err)
		h.writeError(ctx, path, status, httputil.ErrorResponse{
			Error:     err.Error(),
			ErrorType: errorType,
			URL:       job.URL,
			RequestID: reqID,
		})
		if status >= fasthttp.StatusInternalServerError {
			logger.Warn("Render failed", zap.String("error_type", errorType), zap.Error(err))
		} else {
			logger.Info("Render failed", zap.String("error_type", errorType), zap.Error(err))
		}
		return
	}

	ctx.Response.Header.Set(HeaderCache, result.Source)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(mode.ContentType())
	ctx.SetBody(result.Payload)
	h.metricsCollector.RecordHTTPRequest(path, "200")

	logger.Info("Render served",
		zap.String("cache", result.Source),
		zap.Int("bytes", len(result.Payload)),
		zap.Duration("render_time", result.Duration))
}

// HandleHealth serves GET /health. The status is 503 while a fatal engine
// failure is on record or a launched engine has lost its connection. An
// engine that was never started is not degraded since startup is lazy.
func (h *Handlers) HandleHealth(ctx *fasthttp.RequestCtx) {
	health := h.health.Health()
	status := fasthttp.StatusOK
	if degraded(health) {
		status = fasthttp.StatusServiceUnavailable
	}
	httputil.JSON(ctx, health, status)
	h.metricsCollector.RecordHTTPRequest("/health", strconv.Itoa(status))
}

func degraded(health supervisor.Health) bool {
	return health.LastFatalError != nil || (health.Launches > 0 && !health.Connected)
}

func (h *Handlers) requestTimeout(ctx *fasthttp.RequestCtx) (time.Duration, error) {
	raw := ctx.QueryArgs().Peek("timeout")
	if len(raw) == 0 {
		return h.defaults.Timeout, nil
	}
	timeout, err := types.ParseDuration(string(raw))
	if err != nil || timeout <= 0 {
		return 0, fmt.Errorf("invalid timeout: %q", raw)
	}
	if h.defaults.MaxTimeout > 0 && timeout > h.defaults.MaxTimeout {
		timeout = h.defaults.MaxTimeout
	}
	return timeout, nil
}

func (h *Handlers) writeError(ctx *fasthttp.RequestCtx, path string, status int, resp httputil.ErrorResponse) {
	ctx.Response.Header.Set(HeaderRenderError, resp.ErrorType)
	httputil.JSONError(ctx, resp, status)
	h.metricsCollector.RecordHTTPRequest(path, strconv.Itoa(status))
}

// statusForError maps a render error onto an HTTP status and error type
func statusForError(err error) (int, string) {
	if errors.Is(err, orchestrator.ErrInvalidJob) {
		return fasthttp.StatusBadRequest, types.ErrorTypeInvalidRequest
	}

	failure, ok := orchestrator.AsFailure(err)
	if !ok {
		return fasthttp.StatusInternalServerError, types.ErrorTypeInternal
	}

	errorType := failure.ErrorType()
	switch errorType {
	case types.ErrorTypeContent:
		return fasthttp.StatusNotFound, errorType
	case types.ErrorTypeNavigationTimeout:
		return fasthttp.StatusGatewayTimeout, errorType
	case types.ErrorTypeEngineFatal:
		return fasthttp.StatusServiceUnavailable, errorType
	case types.ErrorTypeNavigationFailed:
		return fasthttp.StatusBadGateway, errorType
	default:
		return fasthttp.StatusInternalServerError, errorType
	}
}
