// Точка входа Upload Store — модуля временного хранения загрузок.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bigkaa/gogroupware/upload-store/internal/api/handlers"
	"github.com/bigkaa/gogroupware/upload-store/internal/api/middleware"
	"github.com/bigkaa/gogroupware/upload-store/internal/config"
	"github.com/bigkaa/gogroupware/upload-store/internal/peerclient"
	"github.com/bigkaa/gogroupware/upload-store/internal/server"
	"github.com/bigkaa/gogroupware/upload-store/internal/service"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/blobstore"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/registry"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Upload Store запускается",
		slog.String("node_id", cfg.NodeID),
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Int("peers", len(cfg.Peers)),
	)

	// --- Инициализация компонентов ---

	// 1. Blobstore — физическое хранение содержимого
	store, err := blobstore.New(cfg.UploadDir, cfg.MemoryThreshold, logger)
	if err != nil {
		logger.Error("Ошибка инициализации blobstore", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Уборка temp-файлов, оставшихся после аварийного завершения.
	// Убираются только файлы старше TTL: свежий файл может принадлежать
	// параллельному экземпляру, пишущему в ту же директорию.
	if removed := store.SweepLeftovers(cfg.UploadTTL); removed > 0 {
		logger.Info("Удалены temp-файлы предыдущего запуска", slog.Int("count", removed))
	}

	// Показатели диска под директорией загрузок
	if total, _, available, duErr := reportDiskUsage(cfg.UploadDir); duErr != nil {
		logger.Warn("Не удалось получить ёмкость диска", slog.String("error", duErr.Error()))
	} else {
		logger.Info("Директория загрузок",
			slog.String("path", cfg.UploadDir),
			slog.Int64("disk_total", total),
			slog.Int64("disk_available", available),
		)
	}

	// 2. Реестр загрузок
	reg := registry.New(logger)

	// 3. Сервисы
	classifier := service.NewClassifier(cfg.ContentTypeBlacklist)
	policy := service.SizePolicy{
		MaxMessageSize: cfg.MaxMessageSize,
		MaxFileSize:    cfg.MaxFileSize,
	}
	ingestSvc := service.NewIngestService(store, reg, classifier, policy, cfg.NodeID, logger)

	peerClient, err := peerclient.New(cfg.PeerCACert, cfg.TLSSkipVerify, cfg.FetchTimeout, logger)
	if err != nil {
		logger.Error("Ошибка инициализации peer-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}

	resolver, err := service.NewResolver(reg, ingestSvc, peerClient, cfg.Peers, cfg.NodeID, cfg.ProxyCacheSize, logger)
	if err != nil {
		logger.Error("Ошибка инициализации резолвера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var csrfValidator service.CSRFValidator
	if cfg.CSRFEnforce {
		csrfValidator = service.NewHMACValidator(cfg.CSRFSecret)
		logger.Info("Проверка CSRF-токенов включена")
	}

	// 4. Фоновые процессы
	ctx := context.Background()

	// 4.1 Reaper — очистка просроченных загрузок
	reaper := service.NewReaper(reg, cfg.UploadTTL, cfg.ReaperInterval, logger)
	reaper.Start(ctx)

	// 4.2 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.NodeID,
		cfg.DephealthGroup,
		cfg.JWKSUrl,
		cfg.Peers,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 5. Handlers
	uploadHandler := handlers.NewUploadHandler(ingestSvc, csrfValidator, cfg.CSRFEnforce, logger)
	proxyHandler := handlers.NewProxyHandler(resolver, reg, logger)
	healthHandler := handlers.NewHealthHandler(cfg.UploadDir, reg)

	// 6. Middleware аутентификации
	var authMw func(http.Handler) http.Handler
	if cfg.JWKSUrl != "" {
		jwtAuth, jwtErr := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.PeerCACert,
			TLSSkipVerify:   cfg.TLSSkipVerify,
			ClientTimeout:   30 * time.Second,
			RefreshInterval: 15 * time.Second,
			JWTLeeway:       5 * time.Second,
		}, logger)
		if jwtErr != nil {
			logger.Error("Ошибка инициализации JWT middleware",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("error", jwtErr.Error()),
			)
			os.Exit(1)
		}
		defer jwtAuth.Close()
		authMw = jwtAuth.Middleware()
		logger.Info("JWT аутентификация настроена",
			slog.String("jwks_url", cfg.JWKSUrl),
		)
	} else {
		authMw = middleware.DevAuth(logger)
	}

	// 7. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, uploadHandler, proxyHandler, healthHandler, authMw)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	reaper.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Upload Store остановлен")
}
