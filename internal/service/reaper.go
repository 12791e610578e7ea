// reaper.go — сервис фоновой очистки просроченных загрузок.
//
// Reaper периодически обходит реестр и удаляет записи, к которым не
// обращались дольше TTL: запись убирается из реестра, содержимое —
// из blobstore. Запускается как горутина с периодическим тикером
// (US_REAPER_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gogroupware/upload-store/internal/storage/registry"
)

// Prometheus метрики reaper-а
var (
	// reaperRunsTotal — количество запусков reaper-а.
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_reaper_runs_total",
		Help: "Общее количество запусков reaper",
	})

	// reaperRemovedTotal — количество удалённых просроченных загрузок.
	reaperRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_reaper_removed_total",
		Help: "Общее количество загрузок, удалённых reaper",
	})

	// reaperDurationSeconds — длительность выполнения одного цикла.
	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "us_reaper_duration_seconds",
		Help:    "Длительность выполнения цикла reaper в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

// ReaperResult — результат одного запуска reaper-а.
type ReaperResult struct {
	// RemovedCount — количество удалённых просроченных записей
	RemovedCount int
	// RemainingCount — количество записей, оставшихся в реестре
	RemainingCount int
	// Errors — количество ошибок при удалении содержимого
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Reaper — сервис фоновой очистки просроченных загрузок.
type Reaper struct {
	reg      *registry.Registry
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex // защита от параллельного запуска RunOnce
	running bool       // флаг работы фонового процесса
	cancel  context.CancelFunc
}

// NewReaper создаёт сервис очистки.
func NewReaper(
	reg *registry.Registry,
	ttl time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		reg:      reg,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With(slog.String("component", "reaper")),
	}
}

// Start запускает фоновую горутину reaper-а с периодическим тикером.
// Вызывается один раз при старте приложения.
func (rp *Reaper) Start(ctx context.Context) {
	rpCtx, cancel := context.WithCancel(ctx)
	rp.cancel = cancel
	rp.running = true

	go rp.run(rpCtx)

	rp.logger.Info("reaper запущен",
		slog.String("interval", rp.interval.String()),
		slog.String("ttl", rp.ttl.String()),
	)
}

// Stop останавливает фоновый процесс reaper-а.
func (rp *Reaper) Stop() {
	if rp.cancel != nil {
		rp.cancel()
	}
	rp.running = false
	rp.logger.Info("reaper остановлен")
}

// run — основной цикл фоновой горутины.
func (rp *Reaper) run(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
//
// Порядок обработки: снимок реестра под блокировкой, затем удаление
// просроченных записей по одной. Содержимое удаляется после снятия
// записи с реестра, чтобы не держать общую блокировку на I/O.
func (rp *Reaper) RunOnce() *ReaperResult {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	start := time.Now()
	result := &ReaperResult{}

	rp.logger.Debug("цикл reaper начат")

	cutoff := time.Now().UTC().Add(-rp.ttl)

	for _, entry := range rp.reg.Snapshot() {
		if !entry.LastAccess.Before(cutoff) {
			continue
		}

		removed := rp.reg.Delete(entry.ID)
		if removed == nil {
			// Запись успели удалить параллельно (expunge или откат)
			continue
		}

		if err := removed.Purge(); err != nil {
			rp.logger.Error("ошибка удаления содержимого просроченной загрузки",
				slog.String("upload_id", entry.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		rp.logger.Debug("просроченная загрузка удалена",
			slog.String("upload_id", entry.ID),
			slog.String("account_id", entry.AccountID),
			slog.String("filename", entry.Name),
			slog.Time("last_access", entry.LastAccess),
		)
		result.RemovedCount++
	}

	result.RemainingCount = rp.reg.Count()
	result.Duration = time.Since(start)

	// Обновляем Prometheus метрики
	reaperRunsTotal.Inc()
	reaperRemovedTotal.Add(float64(result.RemovedCount))
	reaperDurationSeconds.Observe(result.Duration.Seconds())

	if result.RemovedCount > 0 || result.Errors > 0 {
		rp.logger.Info("цикл reaper завершён",
			slog.Int("removed", result.RemovedCount),
			slog.Int("remaining", result.RemainingCount),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}
