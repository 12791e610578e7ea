// ingest.go — сервис приёма загрузок.
//
// Принимает поток содержимого, сохраняет его в blobstore, определяет
// content-type и регистрирует запись в реестре. Поддерживает два режима
// HTTP-приёма: multipart/form-data (несколько файлов за запрос, всё или
// ничего) и одиночное тело запроса с именем файла в заголовках.
package service

import (
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/blobstore"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/registry"
)

// Ошибки приёма загрузок.
var (
	// ErrNoContent — в запросе не оказалось ни одного файла.
	ErrNoContent = errors.New("запрос не содержит файлов")
	// ErrMissingName — у файла нет имени, сохранять нечего.
	ErrMissingName = errors.New("не указано имя файла")
	// ErrBlacklistedType — content-type файла запрещён конфигурацией.
	ErrBlacklistedType = errors.New("content-type запрещён")
	// ErrMalformed — некорректное multipart-тело запроса.
	ErrMalformed = errors.New("некорректное тело запроса")
)

// Сколько начальных байтов содержимого читается для определения типа.
const sniffLen = 3072

// Prometheus метрики приёма.
var (
	ingestSavedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "us_uploads_saved_total",
		Help: "Количество принятых загрузок по источникам",
	}, []string{"source"})

	ingestRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "us_uploads_rejected_total",
		Help: "Количество отклонённых загрузок по причинам",
	}, []string{"reason"})

	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "us_upload_bytes_total",
		Help: "Суммарный объём принятых загрузок в байтах",
	})
)

// Источники загрузок для метрики us_uploads_saved_total.
const (
	SourceMultipart = "multipart"
	SourcePlain     = "plain"
	SourceProxy     = "proxy"
)

// IngestService — приём и регистрация загрузок.
type IngestService struct {
	store  *blobstore.BlobStore
	reg    *registry.Registry
	class  *Classifier
	policy SizePolicy
	nodeID string
	logger *slog.Logger
}

// NewIngestService создаёт сервис приёма.
func NewIngestService(
	store *blobstore.BlobStore,
	reg *registry.Registry,
	class *Classifier,
	policy SizePolicy,
	nodeID string,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		store:  store,
		reg:    reg,
		class:  class,
		policy: policy,
		nodeID: nodeID,
		logger: logger.With(slog.String("component", "ingest")),
	}
}

// Save сохраняет один поток содержимого как зарегистрированную загрузку.
//
// Содержимое пишется в blobstore с учётом эффективного лимита размера,
// после чего определяется content-type и запись попадает в реестр.
// При любой ошибке после записи blob удаляется — полузаписанных
// загрузок не остаётся.
func (s *IngestService) Save(r io.Reader, filename, declaredCT string, acct *model.Account, limitByFileSize bool, source string) (*model.Upload, error) {
	limit := s.policy.EffectiveLimit(acct, limitByFileSize)

	blob, err := s.store.Save(r, limit)
	if err != nil {
		if errors.Is(err, blobstore.ErrTooLarge) {
			ingestRejectedTotal.WithLabelValues("too_large").Inc()
		}
		return nil, err
	}

	ct, err := s.classifyBlob(blob, filename, declaredCT)
	if err != nil {
		blob.Delete()
		return nil, err
	}
	if s.class.Blacklisted(ct) {
		blob.Delete()
		ingestRejectedTotal.WithLabelValues("blacklisted").Inc()
		s.logger.Warn("загрузка отклонена: запрещённый content-type",
			slog.String("content_type", ct),
			slog.String("filename", filename),
		)
		return nil, fmt.Errorf("%w: %s", ErrBlacklistedType, ct)
	}

	accountID := ""
	if acct != nil {
		accountID = acct.ID
	}

	now := time.Now().UTC()
	up := &model.Upload{
		ID:          model.NewUploadID(s.nodeID),
		AccountID:   accountID,
		Name:        model.TrimFilename(filename),
		ContentType: ct,
		Size:        blob.Size(),
		CreatedAt:   now,
		LastAccess:  now,
		Blob:        blob,
	}

	if err := s.reg.Put(up); err != nil {
		blob.Delete()
		return nil, err
	}

	ingestSavedTotal.WithLabelValues(source).Inc()
	ingestBytesTotal.Add(float64(blob.Size()))

	s.logger.Info("загрузка принята",
		slog.String("upload_id", up.ID.String()),
		slog.String("account_id", up.AccountID),
		slog.String("filename", up.Name),
		slog.String("content_type", up.ContentType),
		slog.Int64("size", up.Size),
	)

	return up, nil
}

// classifyBlob читает начало содержимого blob и определяет content-type.
func (s *IngestService) classifyBlob(blob *blobstore.Blob, filename, declaredCT string) (string, error) {
	rc, err := blob.Open()
	if err != nil {
		return "", fmt.Errorf("чтение содержимого для классификации: %w", err)
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("чтение содержимого для классификации: %w", err)
	}

	return s.class.Classify(head[:n], filename, declaredCT), nil
}

// MultipartResult — результат разбора multipart-запроса.
type MultipartResult struct {
	// Uploads — зарегистрированные загрузки в порядке следования частей
	Uploads []*model.Upload
	// RequestID — значение form-поля requestId (или requestid), если было
	RequestID string
	// CSRFToken — значение form-поля csrfToken, если было. Проверяется
	// обработчиком, когда токен не пришёл заголовком.
	CSRFToken string
}

// SaveMultipart разбирает multipart/form-data тело и сохраняет все файлы.
//
// Form-поля обрабатываются так: requestId/requestid запоминается для
// ответа; _charset_ задаёт кодировку последующих полей filename*;
// поля с именами filename, filename1, ... задают корректно
// закодированные имена для файловых частей в порядке следования.
// Семантика «всё или ничего»: при ошибке на любой части уже принятые
// файлы удаляются и возвращается ошибка.
func (s *IngestService) SaveMultipart(mr *multipart.Reader, acct *model.Account, limitByFileSize bool) (*MultipartResult, error) {
	result := &MultipartResult{}
	charset := ""
	var pendingNames []string

	fail := func(err error) (*MultipartResult, error) {
		s.rollback(result.Uploads)
		return nil, err
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrMalformed, err))
		}

		if part.FileName() == "" {
			// Form-поле
			field := part.FormName()
			value, ferr := readField(part, charset)
			part.Close()
			if ferr != nil {
				return fail(fmt.Errorf("%w: поле %s: %v", ErrMalformed, field, ferr))
			}
			switch {
			case strings.EqualFold(field, "requestId"):
				result.RequestID = value
			case strings.EqualFold(field, "csrfToken"):
				result.CSRFToken = value
			case field == "_charset_":
				charset = value
			case strings.HasPrefix(strings.ToLower(field), "filename"):
				// Одно поле может нести несколько имён, по строке на файл
				for _, name := range strings.Split(value, "\n") {
					pendingNames = append(pendingNames, strings.TrimRight(name, "\r"))
				}
			}
			continue
		}

		// Файловая часть
		filename := part.FileName()
		if len(pendingNames) > 0 {
			if pendingNames[0] != "" {
				filename = pendingNames[0]
			}
			pendingNames = pendingNames[1:]
		}

		up, serr := s.Save(part, filename, part.Header.Get("Content-Type"), acct, limitByFileSize, SourceMultipart)
		part.Close()
		if serr != nil {
			return fail(serr)
		}
		result.Uploads = append(result.Uploads, up)
	}

	if len(result.Uploads) == 0 {
		return fail(ErrNoContent)
	}
	return result, nil
}

// SavePlain сохраняет одиночное тело запроса как загрузку.
//
// Имя файла берётся из параметра name заголовка Content-Type либо из
// параметра filename заголовка Content-Disposition. HTML-сущности в
// имени декодируются. Без имени загрузка отклоняется.
func (s *IngestService) SavePlain(r io.Reader, contentType, contentDisposition string, acct *model.Account, limitByFileSize bool) (*model.Upload, error) {
	filename := extractPlainFilename(contentType, contentDisposition)
	if filename == "" {
		ingestRejectedTotal.WithLabelValues("no_name").Inc()
		return nil, ErrMissingName
	}

	return s.Save(r, filename, contentType, acct, limitByFileSize, SourcePlain)
}

// Discard удаляет зарегистрированные загрузки вместе с содержимым.
// Используется обработчиком, когда запрос отклоняется уже после разбора
// (например, не прошла проверка CSRF-токена из form-поля).
func (s *IngestService) Discard(uploads []*model.Upload) {
	s.rollback(uploads)
}

// rollback удаляет уже зарегистрированные загрузки при ошибке разбора.
func (s *IngestService) rollback(uploads []*model.Upload) {
	for _, up := range uploads {
		if removed := s.reg.Delete(up.ID.String()); removed != nil {
			if err := removed.Purge(); err != nil {
				s.logger.Error("ошибка удаления содержимого при откате",
					slog.String("upload_id", up.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// readField читает значение form-поля и перекодирует его из заявленной
// клиентом кодировки в UTF-8.
func readField(r io.Reader, charset string) (string, error) {
	// Поля короткие, но не доверяем клиенту безоговорочно
	raw, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		return "", err
	}
	return decodeCharset(raw, charset)
}

// decodeCharset перекодирует байты из указанной кодировки в UTF-8.
// Пустая кодировка и UTF-8 возвращаются как есть.
func decodeCharset(raw []byte, charset string) (string, error) {
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return string(raw), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("неизвестная кодировка %q", charset)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("перекодирование из %q: %w", charset, err)
	}
	return string(decoded), nil
}

// extractPlainFilename извлекает имя файла из заголовков одиночного запроса.
func extractPlainFilename(contentType, contentDisposition string) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if name := params["name"]; name != "" {
				return html.UnescapeString(name)
			}
		}
	}
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if name := params["filename"]; name != "" {
				return html.UnescapeString(name)
			}
		}
	}
	return ""
}
