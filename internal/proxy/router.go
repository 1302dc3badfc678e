package proxy

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/scribeai/gateway/pkg/apierr"
)

// Server wraps the fasthttp.Server bound to the gateway's handler, so
// app.App has something concrete to start and shut down.
type Server struct {
	fasthttp *fasthttp.Server
	addr     string
}

// NewServer builds a Server bound to addr, serving g.Handler().
func (g *Gateway) NewServer(addr string) *Server {
	return &Server{
		fasthttp: &fasthttp.Server{
			Handler:      g.Handler(),
			ReadTimeout:  g.providerTimeout,
			WriteTimeout: g.providerTimeout,
		},
		addr: addr,
	}
}

// ListenAndServe blocks serving HTTP until the listener is closed.
func (s *Server) ListenAndServe() error {
	return s.fasthttp.ListenAndServe(s.addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.fasthttp.Shutdown()
}

// Handler builds the fasthttp request handler for the whole gateway, with
// the middleware chain applied once at the top.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	mux := g.mux()
	return applyMiddleware(mux, recovery, requestID, timing, corsHandler(g.corsOrigins), securityHeaders)
}

func (g *Gateway) mux() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		isProbe := path == "/health" || path == "/readiness" || path == "/metrics"
		if !isProbe && g.rpmLimiter != nil {
			allowed, err := g.rpmLimiter.Allow(ctx)
			if err != nil {
				g.log.ErrorContext(ctx, "rate_limit_check_error")
			} else if !allowed {
				apierr.WriteRateLimit(ctx)
				return
			}
		}

		switch {
		case path == "/health" && method == fasthttp.MethodGet:
			g.handleHealth(ctx)
		case path == "/readiness" && method == fasthttp.MethodGet:
			g.handleReadiness(ctx)
		case path == "/metrics" && method == fasthttp.MethodGet:
			g.handleMetrics(ctx)
		case path == "/api/auth/device/code" && method == fasthttp.MethodPost:
			g.handleDeviceCode(ctx)
		case path == "/api/auth/device/poll" && method == fasthttp.MethodPost:
			g.handleDevicePoll(ctx)
		case path == "/api/auth/macos/login" && method == fasthttp.MethodPost:
			g.handleMacLogin(ctx)
		case path == "/api/auth/macos/register" && method == fasthttp.MethodPost:
			g.handleMacRegister(ctx)
		case path == "/api/auth/macos/refresh" && method == fasthttp.MethodPost:
			g.handleMacRefresh(ctx)
		case path == "/api/auth/macos/logout" && method == fasthttp.MethodPost:
			g.handleMacLogout(ctx)
		case path == "/api/license/validate" && method == fasthttp.MethodPost:
			g.handleLicenseValidate(ctx)
		case path == "/api/proxy/ai/generate" && method == fasthttp.MethodPost:
			g.handleGenerate(ctx)
		case path == "/api/proxy/ai/stream" && method == fasthttp.MethodPost:
			g.handleStream(ctx)
		case path == "/api/proxy/transcription/token" && method == fasthttp.MethodPost:
			g.handleTranscriptionToken(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"ready": true})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	_ = json.NewEncoder(ctx).Encode(map[string]any{"ready": false})
}

func (g *Gateway) handleMetrics(ctx *fasthttp.RequestCtx) {
	if g.metrics == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	g.metrics.Handler()(ctx)
}

// StartWithRoutes starts the fasthttp server on addr and blocks until it
// stops (by Shutdown or a listener error).
func (g *Gateway) StartWithRoutes(addr string) error {
	srv := g.NewServer(addr)
	g.server = srv
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server started by StartWithRoutes, and
// stops the background health checker.
func (g *Gateway) Shutdown() error {
	if g.health != nil {
		g.health.Close()
	}
	if g.reqLog != nil {
		g.reqLog.Close()
	}
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown()
}
