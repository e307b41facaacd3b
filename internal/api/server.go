package api

import (
	"context"
	"net/http"

	"github.com/charging-platform/ev-charger-proxy/internal/accounting"
	"github.com/charging-platform/ev-charger-proxy/internal/broker"
	"github.com/charging-platform/ev-charger-proxy/internal/chargepoint"
	"github.com/charging-platform/ev-charger-proxy/internal/config"
	"github.com/charging-platform/ev-charger-proxy/internal/control"
	"github.com/charging-platform/ev-charger-proxy/internal/logger"
	"github.com/charging-platform/ev-charger-proxy/internal/upstream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server HTTP与WebSocket服务
// 承载充电桩接入、后端订阅和管理接口。
type Server struct {
	cfg    *config.Config
	logger *logger.Logger

	lock        *control.Manager
	subscribers *broker.Registry
	events      *broker.Router
	chargers    *chargepoint.Registry
	acct        *accounting.Accountant
	sessions    accounting.SessionLog
	services    *upstream.Manager
	notifier    broker.Notifier

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer 创建服务实例
// services和notifier可为nil。
func NewServer(
	cfg *config.Config,
	lock *control.Manager,
	subscribers *broker.Registry,
	events *broker.Router,
	chargers *chargepoint.Registry,
	acct *accounting.Accountant,
	sessions accounting.SessionLog,
	services *upstream.Manager,
	notifier broker.Notifier,
	log *logger.Logger,
) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		cfg:         cfg,
		logger:      log,
		lock:        lock,
		subscribers: subscribers,
		events:      events,
		chargers:    chargers,
		acct:        acct,
		sessions:    sessions,
		services:    services,
		notifier:    notifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      s.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Routes 构建路由表
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleWelcome)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/charger", s.handleCharger)
	r.Get("/backend", s.handleBackend)

	// 管理接口带限流
	r.Group(func(r chi.Router) {
		r.Use(s.adminRateLimit())
		r.Get("/sessions", s.handleSessionsJSON)
		r.Get("/sessions.csv", s.handleSessionsCSV)
		r.Get("/status", s.handleStatus)
		r.Post("/override", s.handleOverride)
	})

	return r
}

// Run 启动HTTP服务并阻塞到关闭
func (s *Server) Run() error {
	s.logger.Infof("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
