package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/monitor"
)

type eventLister interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
}

// operator 为监控接口可触发的人工操作。
type operator interface {
	CancelTWAP(ctx context.Context, orderID string) (automation.TWAPOrder, error)
	DeactivateRule(ctx context.Context, ruleID string) (automation.Rule, error)
}

type monitorHandlers struct {
	events   eventLister
	store    automation.Store
	ops      operator
	breakers func() map[string]string
	logger   *zap.Logger
}

func newMonitorRouter(h *monitorHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/events", h.listEvents)
	r.Get("/breakers", h.listBreakers)
	r.Route("/rules/{id}", func(r chi.Router) {
		r.Get("/executions", h.listExecutions)
		r.Post("/deactivate", h.deactivateRule)
	})
	r.Post("/twap/{id}/cancel", h.cancelTWAP)
	return r
}

func (h *monitorHandlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("监控请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *monitorHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventType, ok := monitor.ParseEventType(strings.ToLower(strings.TrimSpace(q.Get("type"))))
	if !ok {
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	events, err := h.events.ListEvents(r.Context(), eventType, parseLimit(q.Get("limit"), 200))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *monitorHandlers) listBreakers(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.breakers())
}

func (h *monitorHandlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	execs, err := h.store.ListExecutions(r.Context(), ruleID, parseLimit(r.URL.Query().Get("limit"), 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, execs)
}

func (h *monitorHandlers) deactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ops.DeactivateRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *monitorHandlers) cancelTWAP(w http.ResponseWriter, r *http.Request) {
	order, err := h.ops.CancelTWAP(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *monitorHandlers) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, automation.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.logger.Warn("监控请求处理失败", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *monitorHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > 1000 {
		v = 1000
	}
	return v
}

func startMonitorServer(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
}
