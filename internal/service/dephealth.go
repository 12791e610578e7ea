// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Upload Store мониторит:
//   - JWKS endpoint (HTTP GET, critical) — без него не проверить токены
//   - узлы кластера из US_PEERS (HTTP GET /health/live, non-critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
//
// Используется встроенный HTTP checker из dephealth SDK.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks" // Регистрация фабрик checker-ов (HTTP и др.)
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - nodeID — имя вершины графа текущего приложения (US_NODE_ID)
//   - group — имя группы в метриках (US_DEPHEALTH_GROUP)
//   - jwksURL — URL JWKS endpoint (пустая строка — не мониторится)
//   - peers — адреса узлов кластера (US_PEERS)
//   - checkInterval — интервал проверки (US_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	nodeID string,
	group string,
	jwksURL string,
	peers map[string]string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(nodeID, group, jwksURL, peers, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	nodeID string,
	group string,
	jwksURL string,
	peers map[string]string,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(nodeID, group, jwksURL, peers, checkInterval, logger, dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	nodeID string,
	group string,
	jwksURL string,
	peers map[string]string,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
	}

	// JWKS endpoint — критичная зависимость: без ключей не проверить токены
	if jwksURL != "" {
		opts = append(opts, dephealth.HTTP("jwks",
			dephealth.FromURL(jwksURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(true), // Dev-среда: self-signed сертификаты
		))
	}

	// Узлы кластера — некритичные: без них работают только локальные id
	for peerID, baseURL := range peers {
		opts = append(opts, dephealth.HTTP(peerID,
			dephealth.FromURL(baseURL+"/health/live"),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
			dephealth.WithHTTPTLSSkipVerify(true),
		))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(
		nodeID,
		group,
		opts...,
	)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
