// Пакет registry — потокобезопасный реестр живых загрузок.
//
// Один мьютекс на все операции: каждая операция — одна критическая
// секция, частично обновлённую запись увидеть нельзя. Дисковый I/O
// (purge содержимого) выполняется строго вне мьютекса — медленный
// диск не должен блокировать параллельные поиски.
//
// Не персистентный: рестарт процесса очищает реестр.
package registry

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
)

// Ошибки реестра.
var (
	// ErrNotFound — запись не существует, удалена или принадлежит другому
	// аккаунту. Три причины намеренно неразличимы: чужой аккаунт не должен
	// узнать о существовании записи.
	ErrNotFound = errors.New("загрузка не найдена")

	// ErrAlreadyExists — коллизия идентификаторов. С серверной генерацией
	// id не возникает; сигнал ошибки в коде, а не повод для retry.
	ErrAlreadyExists = errors.New("загрузка с таким id уже существует")
)

// Prometheus метрики реестра.
var (
	// uploadsPending — текущее количество записей в реестре.
	uploadsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "us_uploads_pending",
		Help: "Текущее количество загрузок в реестре",
	})
)

// Registry — реестр живых загрузок, ключ — составной id.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*model.Upload
	logger  *slog.Logger
}

// New создаёт пустой реестр.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		pending: make(map[string]*model.Upload, 100),
		logger:  logger.With(slog.String("component", "registry")),
	}
}

// Put добавляет новую запись. Возвращает ErrAlreadyExists при
// коллизии id — id никогда не переиспользуются.
func (r *Registry) Put(up *model.Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := up.ID.String()
	if _, ok := r.pending[key]; ok {
		return ErrAlreadyExists
	}
	r.pending[key] = up
	uploadsPending.Set(float64(len(r.pending)))
	return nil
}

// Get возвращает запись, если она существует, не помечена удалённой
// и принадлежит запрашивающему аккаунту (сравнение без учёта регистра).
// Любое несовпадение — один и тот же ErrNotFound.
// Успешный поиск обновляет LastAccess атомарно с самим поиском.
func (r *Registry) Get(id string, accountID string) (*model.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	up, ok := r.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	if up.WasDeleted() {
		return nil, ErrNotFound
	}
	if !strings.EqualFold(up.AccountID, accountID) {
		r.logger.Warn("Запрос загрузки чужим аккаунтом",
			slog.String("upload_id", id),
			slog.String("account_id", accountID),
		)
		return nil, ErrNotFound
	}

	up.LastAccess = time.Now().UTC()
	return up, nil
}

// Delete атомарно убирает запись из реестра и помечает её удалённой.
// Возвращает убранную запись или nil, если её не было.
// Физический purge содержимого — обязанность вызывающего кода,
// строго после возврата из Delete (вне мьютекса реестра).
func (r *Registry) Delete(id string) *model.Upload {
	r.mu.Lock()
	defer r.mu.Unlock()

	up, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	up.MarkDeleted()
	uploadsPending.Set(float64(len(r.pending)))
	return up
}

// SnapshotEntry — одна запись снимка реестра: неизменяемые поля плюс
// копия LastAccess, снятая под мьютексом.
type SnapshotEntry struct {
	ID         string
	AccountID  string
	Name       string
	Size       int64
	CreatedAt  time.Time
	LastAccess time.Time
}

// Snapshot возвращает копию состояния реестра на текущий момент.
// Используется reaper-ом: решение об эвикции принимается по снимку,
// без удержания мьютекса на время I/O.
func (r *Registry) Snapshot() []SnapshotEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SnapshotEntry, 0, len(r.pending))
	for _, up := range r.pending {
		out = append(out, SnapshotEntry{
			ID:         up.ID.String(),
			AccountID:  up.AccountID,
			Name:       up.Name,
			Size:       up.Size,
			CreatedAt:  up.CreatedAt,
			LastAccess: up.LastAccess,
		})
	}
	return out
}

// Count возвращает количество записей в реестре.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
