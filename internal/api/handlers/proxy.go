// proxy.go — обработчик выдачи содержимого GET /service/upload/proxy.
//
// Через этот endpoint загрузку забирают как узлы кластера (proxy
// fetch с expunge), так и внутренние потребители. Идентификатор
// чужого узла прозрачно разрешается резолвером: содержимое
// скачивается с узла-владельца и отдаётся уже локальная копия.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/gogroupware/upload-store/internal/api/errors"
	"github.com/bigkaa/gogroupware/upload-store/internal/api/middleware"
	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
	"github.com/bigkaa/gogroupware/upload-store/internal/service"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/registry"
)

// ProxyHandler — обработчик выдачи содержимого загрузок.
type ProxyHandler struct {
	resolver *service.Resolver
	reg      *registry.Registry
	logger   *slog.Logger
}

// NewProxyHandler создаёт обработчик выдачи.
func NewProxyHandler(resolver *service.Resolver, reg *registry.Registry, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: resolver,
		reg:      reg,
		logger:   logger.With(slog.String("component", "proxy_handler")),
	}
}

// Serve обрабатывает GET /service/upload/proxy?uid={id}&expunge={bool}.
// Отдаёт содержимое загрузки потоком. При expunge=true запись
// удаляется после успешной отдачи.
func (h *ProxyHandler) Serve(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		apierrors.ValidationError(w, "Не указан параметр uid")
		return
	}

	expunge := false
	if raw := r.URL.Query().Get("expunge"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			apierrors.ValidationError(w, "Некорректное значение expunge: "+raw)
			return
		}
		expunge = parsed
	}

	acct := middleware.AccountFromContext(r.Context())
	token := middleware.TokenFromContext(r.Context())

	up, err := h.resolver.Resolve(r.Context(), uid, acct, token)
	if err != nil {
		h.writeResolveError(w, uid, err)
		return
	}

	rc, err := up.Open()
	if err != nil {
		// Запись успел убрать reaper между Resolve и Open
		apierrors.NotFound(w, "Загрузка не найдена")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", up.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(up.Size, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s", strconv.Quote(up.Name)))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		// Ответ уже начат, статус не поменять
		h.logger.Error("ошибка отдачи содержимого",
			slog.String("upload_id", up.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if expunge {
		h.expunge(up)
	}
}

// expunge удаляет запись и её содержимое после успешной отдачи.
func (h *ProxyHandler) expunge(up *model.Upload) {
	removed := h.reg.Delete(up.ID.String())
	if removed == nil {
		return
	}
	if err := removed.Purge(); err != nil {
		h.logger.Error("ошибка удаления содержимого при expunge",
			slog.String("upload_id", up.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Debug("загрузка удалена после отдачи",
		slog.String("upload_id", up.ID.String()),
	)
}

// writeResolveError отображает ошибку резолвера на HTTP-ответ.
func (h *ProxyHandler) writeResolveError(w http.ResponseWriter, uid string, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, model.ErrInvalidUploadID):
		apierrors.NotFound(w, "Загрузка не найдена")
	case errors.Is(err, service.ErrUnknownNode):
		apierrors.ValidationError(w, "Неизвестный узел в идентификаторе")
	case errors.Is(err, service.ErrRemoteFetch):
		h.logger.Error("ошибка proxy fetch",
			slog.String("uid", uid),
			slog.String("error", err.Error()),
		)
		apierrors.RemoteFetchFailed(w, "Узел-владелец не отдал загрузку")
	default:
		h.logger.Error("ошибка разрешения идентификатора",
			slog.String("uid", uid),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}
