// Пакет server — HTTP-сервер Upload Store с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/gogroupware/upload-store/internal/api/handlers"
	"github.com/bigkaa/gogroupware/upload-store/internal/api/middleware"
	"github.com/bigkaa/gogroupware/upload-store/internal/config"
)

// Server — HTTP-сервер Upload Store.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// authMw — middleware аутентификации (JWT или dev-заглушка); навешивается
// только на /service/*, публичные endpoints работают без токена.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	upload *handlers.UploadHandler,
	proxy *handlers.ProxyHandler,
	health *handlers.HealthHandler,
	authMw func(http.Handler) http.Handler,
) *Server {
	router := NewRouter(logger, upload, proxy, health, authMw)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает chi-роутер со всеми маршрутами и middleware.
// Вынесено отдельно, чтобы тесты могли гонять запросы через httptest
// без запуска настоящего сервера.
func NewRouter(
	logger *slog.Logger,
	upload *handlers.UploadHandler,
	proxy *handlers.ProxyHandler,
	health *handlers.HealthHandler,
	authMw func(http.Handler) http.Handler,
) chi.Router {
	router := chi.NewRouter()

	// Общие middleware
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Публичные endpoints — без аутентификации
	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Рабочие endpoints — за аутентификацией
	router.Route("/service/upload", func(r chi.Router) {
		r.Use(authMw)
		r.Post("/", upload.Upload)
		r.Get("/proxy", proxy.Serve)
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом
// из конфигурации (US_SHUTDOWN_TIMEOUT).
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
