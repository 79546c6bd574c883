package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ReadinessCheck 依赖探测（数据库、Redis）
type ReadinessCheck func(ctx context.Context) error

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

// ServeHTTP 记录请求耗时并恢复 handler panic
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("HTTP handler panic",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Any("panic", p),
			)
			writeJSON(w, http.StatusInternalServerError, Fail("internal server error"))
		}
	}()
	r.mux.ServeHTTP(w, req)
	r.logger.Debug("HTTP request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("latency", time.Since(start)),
	)
}

// RegisterEmergencyRoutes 注册 /api/v1/emergency/*
func (r *Router) RegisterEmergencyRoutes(h *EmergencyHandler) {
	r.HandleHandler(emergencyPrefix, h)
}

// RegisterHealthRoutes /health 存活；/ready 逐个执行依赖探测
func (r *Router) RegisterHealthRoutes(checks map[string]ReadinessCheck) {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})

	r.Handle("/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		ready := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				r.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
				status[name] = err.Error()
				ready = false
				continue
			}
			status[name] = "ok"
		}
		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Result[map[string]string]{
				Code: ResultError, Type: "error", Message: "not ready", Result: status,
			})
			return
		}
		writeJSON(w, http.StatusOK, Ok(status))
	})
}
