package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter 创建管理接口路由
func NewRouter(h *AdminHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, map[string]string{"status": "ok"})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/queues", h.QueueSizes)
		r.Get("/queues/{kind}/size", h.QueueSize)
		r.Post("/queues/{kind}/flush", h.FlushQueue)
		r.Get("/flush/stats", h.FlushStats)

		r.Get("/cache/stats", h.CacheStats)
		r.Post("/cache/warmup", h.WarmUp)

		r.Delete("/devices/{code}/cache", h.EvictDevice)
		r.Get("/devices/{code}/status", h.DeviceStatus)
		r.Get("/devices/{code}/latest", h.LatestSample)
		r.Get("/online/stats", h.OnlineStats)
		r.Get("/events/{type}", h.RecentEvents)

		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/count", h.CountAlerts)
		r.Get("/alerts/export", h.ExportAlerts)
		r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)
	})

	return r
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
