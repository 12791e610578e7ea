package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/gogroupware/upload-store/internal/api/middleware"
	"github.com/bigkaa/gogroupware/upload-store/internal/service"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/blobstore"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newUploadFixture собирает handler загрузки поверх реального сервиса приёма.
func newUploadFixture(t *testing.T, policy service.SizePolicy, blacklist []*regexp.Regexp, csrf service.CSRFValidator) (http.Handler, *registry.Registry) {
	t.Helper()
	store, err := blobstore.New(t.TempDir(), 64, testLogger())
	if err != nil {
		t.Fatalf("создание blobstore: %v", err)
	}
	reg := registry.New(testLogger())
	ingest := service.NewIngestService(store, reg, service.NewClassifier(blacklist), policy, "us-01", testLogger())

	h := NewUploadHandler(ingest, csrf, csrf != nil, testLogger())
	return middleware.DevAuth(testLogger())(http.HandlerFunc(h.Upload)), reg
}

// multipartBody собирает multipart-тело с одним файлом.
func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("file1", filename)
	if err != nil {
		t.Fatalf("создание файловой части: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("запись файловой части: %v", err)
	}
	ct := w.FormDataContentType()
	if err := w.Close(); err != nil {
		t.Fatalf("закрытие multipart: %v", err)
	}
	return buf, ct
}

// multipartBodyWithFields собирает multipart-тело из form-полей и одного файла.
func multipartBodyWithFields(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for field, value := range fields {
		if err := w.WriteField(field, value); err != nil {
			t.Fatalf("запись поля %s: %v", field, err)
		}
	}
	part, err := w.CreateFormFile("file1", filename)
	if err != nil {
		t.Fatalf("создание файловой части: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("запись файловой части: %v", err)
	}
	ct := w.FormDataContentType()
	if err := w.Close(); err != nil {
		t.Fatalf("закрытие multipart: %v", err)
	}
	return buf, ct
}

func TestUpload_MultipartHTML(t *testing.T) {
	handler, reg := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	body, ct := multipartBodyWithFields(t, map[string]string{"requestId": "req-7"},
		"doc.txt", "содержимое файла")
	req := httptest.NewRequest(http.MethodPost, "/service/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	// HTML-режим всегда отвечает 200, настоящий код — в теле
	if rec.Code != http.StatusOK {
		t.Fatalf("код ответа: ожидалось 200, получено %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Errorf("Content-Type: ожидался text/html, получено %q", got)
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "window.parent._uploadManager.loaded(") {
		t.Errorf("в ответе нет callback-обёртки: %q", respBody)
	}
	if !strings.Contains(respBody, "200,'req-7',") {
		t.Errorf("в ответе нет кода и requestId: %q", respBody)
	}
	if reg.Count() != 1 {
		t.Errorf("Count: ожидалось 1, получено %d", reg.Count())
	}
}

func TestUpload_MultipartRaw(t *testing.T) {
	handler, reg := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	body, ct := multipartBody(t, "doc.txt", "содержимое")
	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("код ответа: ожидалось 200, получено %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type: ожидался text/plain, получено %q", got)
	}

	respBody := rec.Body.String()
	if strings.Contains(respBody, "<html>") {
		t.Errorf("raw-режим не должен содержать HTML: %q", respBody)
	}
	if !strings.HasPrefix(respBody, "200,'null',") {
		t.Errorf("ответ должен начинаться с \"200,'null',\": %q", respBody)
	}

	// Тело заканчивается списком идентификаторов в кавычках
	var entry *registry.SnapshotEntry
	for _, e := range reg.Snapshot() {
		entry = &e
		break
	}
	if entry == nil {
		t.Fatal("в реестре нет записей")
	}
	if !strings.Contains(respBody, fmt.Sprintf("'%s'", entry.ID)) {
		t.Errorf("в ответе нет идентификатора %s: %q", entry.ID, respBody)
	}
}

func TestUpload_MultipartExtended(t *testing.T) {
	handler, _ := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	body, ct := multipartBody(t, "doc.txt", "содержимое файла")
	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw,extended", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	respBody := rec.Body.String()
	prefix := "200,'null',"
	if !strings.HasPrefix(respBody, prefix) {
		t.Fatalf("ответ должен начинаться с %q: %q", prefix, respBody)
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(respBody[len(prefix):]), &entries); err != nil {
		t.Fatalf("разбор JSON-части ответа: %v (%q)", err, respBody)
	}
	if len(entries) != 1 {
		t.Fatalf("ожидалась 1 запись, получено %d", len(entries))
	}
	for _, key := range []string{"aid", "ct", "filename", "s"} {
		if _, ok := entries[0][key]; !ok {
			t.Errorf("в записи нет ключа %q: %v", key, entries[0])
		}
	}
	if entries[0]["filename"] != "doc.txt" {
		t.Errorf("filename: ожидалось 'doc.txt', получено %v", entries[0]["filename"])
	}
}

func TestUpload_PlainBody(t *testing.T) {
	handler, reg := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw",
		strings.NewReader("просто текст"))
	req.Header.Set("Content-Type", `text/plain; name="note.txt"`)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("код ответа: ожидалось 200, получено %d, тело %q", rec.Code, rec.Body.String())
	}
	if reg.Count() != 1 {
		t.Errorf("Count: ожидалось 1, получено %d", reg.Count())
	}
}

func TestUpload_PlainBodyNoName(t *testing.T) {
	handler, _ := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw",
		strings.NewReader("просто текст"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("код ответа: ожидалось 204, получено %d", rec.Code)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	handler, reg := newUploadFixture(t, service.SizePolicy{MaxMessageSize: 10}, nil, nil)

	body, ct := multipartBody(t, "big.bin", strings.Repeat("x", 100))
	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("код ответа: ожидалось 413, получено %d", rec.Code)
	}
	if reg.Count() != 0 {
		t.Errorf("реестр должен остаться пустым, записей %d", reg.Count())
	}
}

func TestUpload_TooLargeHTMLModeStill200(t *testing.T) {
	handler, _ := newUploadFixture(t, service.SizePolicy{MaxMessageSize: 10}, nil, nil)

	body, ct := multipartBody(t, "big.bin", strings.Repeat("x", 100))
	req := httptest.NewRequest(http.MethodPost, "/service/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("HTML-режим должен отвечать 200, получено %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "413,") {
		t.Errorf("в теле нет настоящего кода 413: %q", rec.Body.String())
	}
}

func TestUpload_Blacklisted(t *testing.T) {
	handler, _ := newUploadFixture(t, service.SizePolicy{},
		[]*regexp.Regexp{regexp.MustCompile(`^application/pdf$`)}, nil)

	body, ct := multipartBody(t, "doc.pdf", "%PDF-1.7 содержимое")
	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("код ответа: ожидалось 403, получено %d", rec.Code)
	}
}

func TestUpload_BadContentType(t *testing.T) {
	handler, _ := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw",
		strings.NewReader("тело"))
	// Content-Type отсутствует
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("код ответа: ожидалось 415, получено %d", rec.Code)
	}
}

func TestUpload_NoAccount(t *testing.T) {
	// Запрос мимо auth-middleware: аккаунта в контексте нет
	store, err := blobstore.New(t.TempDir(), 64, testLogger())
	if err != nil {
		t.Fatalf("создание blobstore: %v", err)
	}
	reg := registry.New(testLogger())
	ingest := service.NewIngestService(store, reg, service.NewClassifier(nil), service.SizePolicy{}, "us-01", testLogger())
	h := NewUploadHandler(ingest, nil, false, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw",
		strings.NewReader("тело"))
	req.Header.Set("Content-Type", `text/plain; name="a.txt"`)
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("код ответа: ожидалось 401, получено %d", rec.Code)
	}
}

func TestUpload_CSRF(t *testing.T) {
	csrf := service.NewHMACValidator("секрет")
	handler, _ := newUploadFixture(t, service.SizePolicy{}, nil, csrf)

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw",
			strings.NewReader("тело"))
		req.Header.Set("Content-Type", `text/plain; name="a.txt"`)
		return req
	}

	// Без токена — 401
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, makeReq())
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("без токена: ожидалось 401, получено %d", rec.Code)
	}

	// С валидным токеном — 200
	req := makeReq()
	req.Header.Set("X-Csrf-Token", csrf.MakeToken("anonymous", time.Hour))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("с токеном: ожидалось 200, получено %d, тело %q", rec.Code, rec.Body.String())
	}

	// С чужим токеном — 401
	req = makeReq()
	req.Header.Set("X-Csrf-Token", csrf.MakeToken("другой-аккаунт", time.Hour))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("с чужим токеном: ожидалось 401, получено %d", rec.Code)
	}
}

func TestUpload_CSRFFormField(t *testing.T) {
	csrf := service.NewHMACValidator("секрет")
	handler, reg := newUploadFixture(t, service.SizePolicy{}, nil, csrf)

	buildBody := func(token string) (*bytes.Buffer, string) {
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		if err := w.WriteField("csrfToken", token); err != nil {
			t.Fatalf("запись поля: %v", err)
		}
		part, err := w.CreateFormFile("file1", "doc.txt")
		if err != nil {
			t.Fatalf("создание файловой части: %v", err)
		}
		if _, err := io.WriteString(part, "содержимое"); err != nil {
			t.Fatalf("запись части: %v", err)
		}
		ct := w.FormDataContentType()
		if err := w.Close(); err != nil {
			t.Fatalf("закрытие multipart: %v", err)
		}
		return buf, ct
	}

	// Токен form-полем вместо заголовка — 200
	body, ct := buildBody(csrf.MakeToken("anonymous", time.Hour))
	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("с токеном в поле: ожидалось 200, получено %d, тело %q", rec.Code, rec.Body.String())
	}
	if reg.Count() != 1 {
		t.Errorf("Count: ожидалось 1, получено %d", reg.Count())
	}

	// Невалидный токен в поле — 401, принятый файл откатывается
	body, ct = buildBody("мусор")
	req = httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw", body)
	req.Header.Set("Content-Type", ct)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("с невалидным токеном в поле: ожидалось 401, получено %d", rec.Code)
	}
	if reg.Count() != 1 {
		t.Errorf("Count после отката: ожидалось 1, получено %d", reg.Count())
	}
}

func TestUpload_RequestIDEscaping(t *testing.T) {
	handler, _ := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	body, ct := multipartBodyWithFields(t, map[string]string{"requestId": "'<script>"},
		"doc.txt", "содержимое")
	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	respBody := rec.Body.String()
	if strings.Contains(respBody, "<script>") {
		t.Errorf("requestId не экранирован: %q", respBody)
	}
	if !strings.Contains(respBody, `\'`) {
		t.Errorf("кавычка в requestId не экранирована: %q", respBody)
	}
}

func TestUpload_RequestIDQueryIgnored(t *testing.T) {
	handler, _ := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	// requestId принимается только form-полем, query-параметр не подхватывается
	body, ct := multipartBody(t, "doc.txt", "содержимое")
	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw&requestId=req-9", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !strings.HasPrefix(rec.Body.String(), "200,'null',") {
		t.Errorf("requestId из query не должен попадать в ответ: %q", rec.Body.String())
	}
}

func TestUpload_MultipartNoFiles(t *testing.T) {
	handler, reg := newUploadFixture(t, service.SizePolicy{}, nil, nil)

	// Тело с одним form-полем и без файловых частей
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("requestId", "req-3"); err != nil {
		t.Fatalf("запись поля: %v", err)
	}
	ct := w.FormDataContentType()
	if err := w.Close(); err != nil {
		t.Fatalf("закрытие multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/service/upload?fmt=raw", buf)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("код ответа: ожидалось 400, получено %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "400,'null'") {
		t.Errorf("ответ должен начинаться с \"400,'null'\": %q", rec.Body.String())
	}
	if reg.Count() != 0 {
		t.Errorf("реестр должен остаться пустым, записей %d", reg.Count())
	}
}
