// resolver.go — разрешение идентификатора загрузки в локальную запись.
//
// Локальные идентификаторы ищутся в реестре напрямую. Идентификатор
// чужого узла разрешается через proxy fetch: содержимое скачивается с
// узла-владельца (с expunge на той стороне), сохраняется локально и
// кэшируется отображение remote id → local id, чтобы повторные
// обращения шли мимо сети.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/registry"
)

// Ошибки разрешения идентификаторов.
var (
	// ErrUnknownNode — узел из идентификатора не описан в конфигурации.
	ErrUnknownNode = errors.New("неизвестный узел")
	// ErrRemoteFetch — узел-владелец не отдал загрузку.
	ErrRemoteFetch = errors.New("ошибка получения загрузки с узла")
)

// Prometheus метрики резолвера.
var (
	proxyCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_proxy_cache_hits_total",
		Help: "Попадания в LRU-кэш отображения remote id → local id",
	})
	proxyCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_proxy_cache_misses_total",
		Help: "Промахи LRU-кэша отображения remote id → local id",
	})
	proxyFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "us_proxy_fetches_total",
		Help: "Количество proxy fetch с других узлов по результату",
	}, []string{"result"})
)

// PeerFetcher — транспорт для получения загрузки с другого узла.
// Реализуется peerclient.Client.
type PeerFetcher interface {
	Fetch(ctx context.Context, baseURL, uploadID, token string, expunge bool) (*http.Response, error)
}

// Resolver разрешает идентификаторы загрузок, локальные и чужих узлов.
type Resolver struct {
	reg     *registry.Registry
	ingest  *IngestService
	fetcher PeerFetcher
	peers   map[string]string
	nodeID  string
	proxied *lru.Cache[string, string]
	logger  *slog.Logger
}

// NewResolver создаёт резолвер.
// peers — адреса узлов кластера (node_id → base URL), cacheSize —
// ёмкость LRU-кэша отображения remote id → local id.
func NewResolver(
	reg *registry.Registry,
	ingest *IngestService,
	fetcher PeerFetcher,
	peers map[string]string,
	nodeID string,
	cacheSize int,
	logger *slog.Logger,
) (*Resolver, error) {
	proxied, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("создание LRU-кэша proxy id: %w", err)
	}
	return &Resolver{
		reg:     reg,
		ingest:  ingest,
		fetcher: fetcher,
		peers:   peers,
		nodeID:  nodeID,
		proxied: proxied,
		logger:  logger.With(slog.String("component", "resolver")),
	}, nil
}

// Resolve возвращает локальную запись для идентификатора загрузки.
//
// Составной идентификатор разбирается на узел и UUID. Для локального
// узла — прямой поиск в реестре. Для чужого узла сначала проверяется
// LRU-кэш уже проксированных идентификаторов, затем содержимое
// скачивается с узла-владельца (тот после отдачи удаляет его у себя),
// сохраняется как локальная загрузка и отображение попадает в кэш.
// token — bearer-токен исходного запроса, пробрасывается узлу.
func (rs *Resolver) Resolve(ctx context.Context, rawID string, acct *model.Account, token string) (*model.Upload, error) {
	id, err := model.ParseUploadID(rawID)
	if err != nil {
		return nil, err
	}

	accountID := ""
	if acct != nil {
		accountID = acct.ID
	}

	if id.IsLocal(rs.nodeID) {
		return rs.reg.Get(id.String(), accountID)
	}

	// Уже проксировали этот идентификатор?
	if localID, ok := rs.proxied.Get(id.String()); ok {
		proxyCacheHitsTotal.Inc()
		up, gerr := rs.reg.Get(localID, accountID)
		if gerr == nil {
			return up, nil
		}
		// Локальную копию успел убрать reaper — кэш протух
		rs.proxied.Remove(id.String())
	}

	proxyCacheMissesTotal.Inc()
	up, err := rs.fetchRemote(ctx, id, acct, token)
	if err != nil {
		proxyFetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	proxyFetchesTotal.WithLabelValues("ok").Inc()

	rs.proxied.Add(id.String(), up.ID.String())
	return up, nil
}

// fetchRemote скачивает загрузку с узла-владельца и сохраняет локально.
func (rs *Resolver) fetchRemote(ctx context.Context, id model.UploadID, acct *model.Account, token string) (*model.Upload, error) {
	baseURL, ok := rs.peers[id.NodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id.NodeID)
	}

	rs.logger.Debug("proxy fetch с узла",
		slog.String("upload_id", id.String()),
		slog.String("node_id", id.NodeID),
	)

	resp, err := rs.fetcher.Fetch(ctx, baseURL, id.String(), token, true)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrRemoteFetch, id.NodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, registry.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %s: статус %d", ErrRemoteFetch, id.NodeID, resp.StatusCode)
	}

	filename := remoteFilename(resp)
	up, err := rs.ingest.Save(resp.Body, filename, resp.Header.Get("Content-Type"), acct, false, SourceProxy)
	if err != nil {
		return nil, fmt.Errorf("сохранение загрузки с узла %s: %w", id.NodeID, err)
	}

	rs.logger.Info("загрузка получена с узла",
		slog.String("remote_id", id.String()),
		slog.String("local_id", up.ID.String()),
		slog.Int64("size", up.Size),
	)

	return up, nil
}

// remoteFilename извлекает имя файла из ответа узла-владельца.
func remoteFilename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	return "unknown"
}
