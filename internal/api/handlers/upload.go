// upload.go — обработчик приёма загрузок POST /service/upload.
//
// Endpoint исторически вызывается из скрытого iframe браузерного
// клиента, поэтому формат ответа — legacy: текст
// "{код},'{requestId}'[,...]" внутри HTML-обёртки, дёргающей
// JavaScript-callback родительского окна. Параметр fmt=raw отключает
// обёртку и возвращает настоящие HTTP-статусы, fmt=extended — JSON
// с метаданными каждого файла вместо списка идентификаторов.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/bigkaa/gogroupware/upload-store/internal/api/middleware"
	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
	"github.com/bigkaa/gogroupware/upload-store/internal/service"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/blobstore"
)

// Заголовок с CSRF-токеном. Multipart-запросы могут передавать токен
// form-полем csrfToken, его вычитывает сервис приёма.
const csrfHeader = "X-Csrf-Token"

// UploadHandler — обработчик ingestion endpoint.
type UploadHandler struct {
	ingest      *service.IngestService
	csrf        service.CSRFValidator
	csrfEnforce bool
	logger      *slog.Logger
}

// NewUploadHandler создаёт обработчик приёма загрузок.
// csrf может быть nil, если проверка выключена конфигурацией.
func NewUploadHandler(ingest *service.IngestService, csrf service.CSRFValidator, csrfEnforce bool, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		ingest:      ingest,
		csrf:        csrf,
		csrfEnforce: csrfEnforce,
		logger:      logger.With(slog.String("component", "upload_handler")),
	}
}

// uploadResponse — параметры формирования legacy-ответа.
type uploadResponse struct {
	// raw — не заворачивать тело в HTML-обёртку, отдавать настоящий HTTP-статус
	raw bool
	// extended — вместо списка идентификаторов вернуть JSON с метаданными
	extended bool
	// requestID — идентификатор из form-поля requestId, возвращается как есть
	requestID string
}

// extendedEntry — элемент JSON-ответа в режиме fmt=extended.
// Ключи исторические: aid — идентификатор, ct — content-type, s — размер.
type extendedEntry struct {
	Aid      string `json:"aid"`
	Ct       string `json:"ct"`
	Filename string `json:"filename"`
	S        int64  `json:"s"`
}

// Upload обрабатывает POST /service/upload.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	fmtParam := r.URL.Query().Get("fmt")
	resp := &uploadResponse{
		raw:      strings.Contains(fmtParam, "raw"),
		extended: strings.Contains(fmtParam, "extended"),
	}

	// lbfums — лимитировать по размеру файла, а не по размеру сообщения
	_, limitByFileSize := r.URL.Query()["lbfums"]

	acct := middleware.AccountFromContext(r.Context())
	if acct == nil {
		h.reject(w, r, resp, http.StatusUnauthorized)
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		h.reject(w, r, resp, http.StatusUnsupportedMediaType)
		return
	}

	if mediaType == "multipart/form-data" {
		h.uploadMultipart(w, r, resp, params["boundary"], acct, limitByFileSize)
		return
	}
	h.uploadPlain(w, r, resp, acct, limitByFileSize)
}

// uploadMultipart принимает multipart/form-data тело.
func (h *UploadHandler) uploadMultipart(w http.ResponseWriter, r *http.Request, resp *uploadResponse, boundary string, acct *model.Account, limitByFileSize bool) {
	if boundary == "" {
		h.reject(w, r, resp, http.StatusBadRequest)
		return
	}

	// CSRF-токен для multipart может прийти заголовком или form-полем
	// csrfToken. Поле видно только после разбора тела, поэтому при
	// невалидном заголовке запрос всё равно разбирается, а при провале
	// обеих проверок уже принятые файлы откатываются.
	headerOK := h.csrfOK(r.Header.Get(csrfHeader), acct)

	result, err := h.ingest.SaveMultipart(multipart.NewReader(r.Body, boundary), acct, limitByFileSize)
	if err != nil {
		h.reject(w, r, resp, uploadErrorStatus(err))
		return
	}
	if result.RequestID != "" {
		resp.requestID = result.RequestID
	}

	if !headerOK && !h.csrfOK(result.CSRFToken, acct) {
		h.logger.Warn("запрос отклонён: CSRF-токен не прошёл проверку",
			slog.String("account_id", acct.ID),
			slog.String("remote_addr", r.RemoteAddr),
		)
		h.ingest.Discard(result.Uploads)
		h.reject(w, r, resp, http.StatusUnauthorized)
		return
	}

	h.respond(w, resp, http.StatusOK, result.Uploads)
}

// uploadPlain принимает одиночное тело запроса.
func (h *UploadHandler) uploadPlain(w http.ResponseWriter, r *http.Request, resp *uploadResponse, acct *model.Account, limitByFileSize bool) {
	if !h.csrfOK(r.Header.Get(csrfHeader), acct) {
		h.logger.Warn("запрос отклонён: CSRF-токен не прошёл проверку",
			slog.String("account_id", acct.ID),
			slog.String("remote_addr", r.RemoteAddr),
		)
		h.reject(w, r, resp, http.StatusUnauthorized)
		return
	}

	up, err := h.ingest.SavePlain(r.Body,
		r.Header.Get("Content-Type"),
		r.Header.Get("Content-Disposition"),
		acct, limitByFileSize,
	)
	if err != nil {
		h.reject(w, r, resp, uploadErrorStatus(err))
		return
	}

	h.respond(w, resp, http.StatusOK, []*model.Upload{up})
}

// csrfOK проверяет CSRF-токен, если проверка включена.
func (h *UploadHandler) csrfOK(token string, acct *model.Account) bool {
	if !h.csrfEnforce || h.csrf == nil {
		return true
	}
	if token == "" {
		return false
	}
	return h.csrf.Validate(token, acct.ID)
}

// uploadErrorStatus отображает ошибку сервиса приёма на код ответа.
func uploadErrorStatus(err error) int {
	switch {
	case errors.Is(err, blobstore.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrBlacklistedType):
		return http.StatusForbidden
	case errors.Is(err, service.ErrMissingName):
		return http.StatusNoContent
	case errors.Is(err, service.ErrNoContent):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrMalformed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// reject дочитывает тело запроса и отдаёт ответ с кодом ошибки.
// Тело дочитывается обязательно: браузер не увидит ответ, пока не
// дольёт остаток формы в разорванное соединение.
func (h *UploadHandler) reject(w http.ResponseWriter, r *http.Request, resp *uploadResponse, status int) {
	drainBody(r)
	h.respond(w, resp, status, nil)
}

// drainBody вычитывает остаток тела запроса.
func drainBody(r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
}

// respond пишет legacy-ответ: "{код},'{requestId}'[,'{ids}' | ,[json]]".
// В HTML-режиме HTTP-статус всегда 200, а настоящий код — внутри тела,
// иначе iframe браузера не выполнит callback.
func (h *UploadHandler) respond(w http.ResponseWriter, resp *uploadResponse, status int, uploads []*model.Upload) {
	var body strings.Builder
	fmt.Fprintf(&body, "%d,'%s'", status, jsEncode(resp.requestID))

	if status == http.StatusOK {
		if resp.extended {
			entries := make([]extendedEntry, 0, len(uploads))
			for _, up := range uploads {
				entries = append(entries, extendedEntry{
					Aid:      up.ID.String(),
					Ct:       up.ContentType,
					Filename: up.Name,
					S:        up.Size,
				})
			}
			encoded, err := json.Marshal(entries)
			if err != nil {
				h.logger.Error("ошибка сериализации ответа", slog.String("error", err.Error()))
				h.respond(w, resp, http.StatusInternalServerError, nil)
				return
			}
			body.WriteString(",")
			body.Write(encoded)
		} else {
			ids := make([]string, 0, len(uploads))
			for _, up := range uploads {
				ids = append(ids, up.ID.String())
			}
			fmt.Fprintf(&body, ",'%s'", strings.Join(ids, ","))
		}
	}

	if resp.raw {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body.String())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w,
		"<html><head></head><body onload=\"window.parent._uploadManager.loaded(%s);\"></body></html>",
		body.String(),
	)
}

// jsEncode экранирует строку для вставки в JavaScript-литерал ответа.
func jsEncode(s string) string {
	if s == "" {
		return "null"
	}
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"<", "\\u003C",
		">", "\\u003E",
	)
	return replacer.Replace(s)
}
