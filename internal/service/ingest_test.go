package service

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"regexp"
	"strings"
	"testing"

	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/blobstore"
	"github.com/bigkaa/gogroupware/upload-store/internal/storage/registry"
)

// testLogger возвращает логгер, пишущий в никуда.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newIngest собирает сервис приёма с заданной политикой размеров.
func newIngest(t *testing.T, policy SizePolicy, blacklist []*regexp.Regexp) (*IngestService, *registry.Registry) {
	t.Helper()
	store, err := blobstore.New(t.TempDir(), 64, testLogger())
	if err != nil {
		t.Fatalf("создание blobstore: %v", err)
	}
	reg := registry.New(testLogger())
	ingest := NewIngestService(store, reg, NewClassifier(blacklist), policy, "us-01", testLogger())
	return ingest, reg
}

func testAccount() *model.Account {
	return &model.Account{ID: "acct-1"}
}

func TestSave(t *testing.T) {
	ingest, reg := newIngest(t, SizePolicy{}, nil)

	up, err := ingest.Save(strings.NewReader("%PDF-1.7 содержимое"), "doc.pdf", "", testAccount(), false, SourcePlain)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if up.ID.NodeID != "us-01" {
		t.Errorf("NodeID: ожидалось 'us-01', получено %q", up.ID.NodeID)
	}
	if up.AccountID != "acct-1" {
		t.Errorf("AccountID: ожидалось 'acct-1', получено %q", up.AccountID)
	}
	if up.ContentType != "application/pdf" {
		t.Errorf("ContentType: ожидалось application/pdf, получено %q", up.ContentType)
	}
	if up.Name != "doc.pdf" {
		t.Errorf("Name: ожидалось 'doc.pdf', получено %q", up.Name)
	}

	// Запись должна быть в реестре
	if _, err := reg.Get(up.ID.String(), "acct-1"); err != nil {
		t.Errorf("запись не найдена в реестре: %v", err)
	}
}

func TestSave_TrimsPath(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	up, err := ingest.Save(strings.NewReader("данные"), `C:\Users\user\doc.txt`, "text/plain", testAccount(), false, SourcePlain)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if up.Name != "doc.txt" {
		t.Errorf("Name: ожидалось 'doc.txt', получено %q", up.Name)
	}
}

func TestSave_TooLarge(t *testing.T) {
	ingest, reg := newIngest(t, SizePolicy{MaxMessageSize: 10}, nil)

	_, err := ingest.Save(strings.NewReader(strings.Repeat("x", 11)), "big.bin", "", testAccount(), false, SourcePlain)
	if !errors.Is(err, blobstore.ErrTooLarge) {
		t.Errorf("ожидалась ErrTooLarge, получено %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("реестр должен остаться пустым, записей %d", reg.Count())
	}
}

func TestSave_Blacklisted(t *testing.T) {
	ingest, reg := newIngest(t, SizePolicy{}, []*regexp.Regexp{
		regexp.MustCompile(`^application/pdf$`),
	})

	_, err := ingest.Save(strings.NewReader("%PDF-1.7 содержимое"), "doc.pdf", "", testAccount(), false, SourcePlain)
	if !errors.Is(err, ErrBlacklistedType) {
		t.Errorf("ожидалась ErrBlacklistedType, получено %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("реестр должен остаться пустым, записей %d", reg.Count())
	}
}

// buildMultipart собирает multipart-тело из пар (поле, значение) и файлов.
type multipartFile struct {
	field    string
	filename string
	content  string
}

func buildMultipart(t *testing.T, fields [][2]string, files []multipartFile) (*multipart.Reader, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			t.Fatalf("запись поля %s: %v", f[0], err)
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatalf("создание файловой части: %v", err)
		}
		if _, err := io.WriteString(part, f.content); err != nil {
			t.Fatalf("запись файловой части: %v", err)
		}
	}
	boundary := w.Boundary()
	if err := w.Close(); err != nil {
		t.Fatalf("закрытие multipart: %v", err)
	}
	return multipart.NewReader(buf, boundary), buf
}

func TestSaveMultipart(t *testing.T) {
	ingest, reg := newIngest(t, SizePolicy{}, nil)

	mr, _ := buildMultipart(t,
		[][2]string{{"requestId", "req-42"}},
		[]multipartFile{
			{"file1", "a.txt", "первый файл"},
			{"file2", "b.txt", "второй файл"},
		},
	)

	result, err := ingest.SaveMultipart(mr, testAccount(), false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if result.RequestID != "req-42" {
		t.Errorf("RequestID: ожидалось 'req-42', получено %q", result.RequestID)
	}
	if len(result.Uploads) != 2 {
		t.Fatalf("ожидалось 2 загрузки, получено %d", len(result.Uploads))
	}
	if result.Uploads[0].Name != "a.txt" || result.Uploads[1].Name != "b.txt" {
		t.Errorf("имена файлов: получено %q, %q", result.Uploads[0].Name, result.Uploads[1].Name)
	}
	if reg.Count() != 2 {
		t.Errorf("Count: ожидалось 2, получено %d", reg.Count())
	}
}

func TestSaveMultipart_NoFiles(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	mr, _ := buildMultipart(t,
		[][2]string{{"requestId", "req-1"}},
		nil,
	)

	_, err := ingest.SaveMultipart(mr, testAccount(), false)
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("ожидалась ErrNoContent, получено %v", err)
	}
}

func TestSaveMultipart_AllOrNothing(t *testing.T) {
	// Лимит пропускает первый файл, второй его превышает
	ingest, reg := newIngest(t, SizePolicy{MaxMessageSize: 20}, nil)

	mr, _ := buildMultipart(t, nil, []multipartFile{
		{"file1", "small.txt", "маленький"},
		{"file2", "big.txt", strings.Repeat("x", 50)},
	})

	_, err := ingest.SaveMultipart(mr, testAccount(), false)
	if !errors.Is(err, blobstore.ErrTooLarge) {
		t.Errorf("ожидалась ErrTooLarge, получено %v", err)
	}

	// Первый файл должен быть откачен
	if reg.Count() != 0 {
		t.Errorf("после отката реестр должен быть пуст, записей %d", reg.Count())
	}
}

func TestSaveMultipart_FilenameFields(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	// Поле filename1 задаёт корректное имя для первой файловой части
	mr, _ := buildMultipart(t,
		[][2]string{{"filename1", "настоящее-имя.txt"}},
		[]multipartFile{{"file1", "mangled.txt", "содержимое"}},
	)

	result, err := ingest.SaveMultipart(mr, testAccount(), false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Uploads[0].Name != "настоящее-имя.txt" {
		t.Errorf("Name: ожидалось 'настоящее-имя.txt', получено %q", result.Uploads[0].Name)
	}
}

func TestSaveMultipart_FilenameListField(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	// Одно поле filename несёт имена для двух файловых частей
	mr, _ := buildMultipart(t,
		[][2]string{{"filename", "первый.txt\nвторой.txt"}},
		[]multipartFile{
			{"file1", "a.txt", "раз"},
			{"file2", "b.txt", "два"},
		},
	)

	result, err := ingest.SaveMultipart(mr, testAccount(), false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Uploads[0].Name != "первый.txt" || result.Uploads[1].Name != "второй.txt" {
		t.Errorf("имена файлов: получено %q, %q", result.Uploads[0].Name, result.Uploads[1].Name)
	}
}

func TestSaveMultipart_CharsetDecoding(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	// "привет.txt" в кодировке windows-1251
	cp1251 := []byte{0xEF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2, '.', 't', 'x', 't'}

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("_charset_", "windows-1251"); err != nil {
		t.Fatalf("запись поля: %v", err)
	}
	// Поле filename1 с байтами в заявленной кодировке
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="filename1"`)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("создание части: %v", err)
	}
	if _, err := part.Write(cp1251); err != nil {
		t.Fatalf("запись части: %v", err)
	}
	filePart, err := w.CreateFormFile("file1", "fallback.txt")
	if err != nil {
		t.Fatalf("создание файловой части: %v", err)
	}
	if _, err := io.WriteString(filePart, "содержимое"); err != nil {
		t.Fatalf("запись файловой части: %v", err)
	}
	boundary := w.Boundary()
	if err := w.Close(); err != nil {
		t.Fatalf("закрытие multipart: %v", err)
	}

	result, err := ingest.SaveMultipart(multipart.NewReader(buf, boundary), testAccount(), false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Uploads[0].Name != "привет.txt" {
		t.Errorf("Name: ожидалось 'привет.txt', получено %q", result.Uploads[0].Name)
	}
}

func TestSavePlain(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	up, err := ingest.SavePlain(strings.NewReader("тело запроса"),
		`text/plain; name="note.txt"`, "", testAccount(), false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if up.Name != "note.txt" {
		t.Errorf("Name: ожидалось 'note.txt', получено %q", up.Name)
	}
}

func TestSavePlain_ContentDisposition(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	up, err := ingest.SavePlain(strings.NewReader("тело"),
		"application/octet-stream",
		`attachment; filename="from-cd.bin"`,
		testAccount(), false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if up.Name != "from-cd.bin" {
		t.Errorf("Name: ожидалось 'from-cd.bin', получено %q", up.Name)
	}
}

func TestSavePlain_HTMLEntities(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	up, err := ingest.SavePlain(strings.NewReader("тело"),
		`text/plain; name="a&amp;b.txt"`, "", testAccount(), false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if up.Name != "a&b.txt" {
		t.Errorf("Name: ожидалось 'a&b.txt', получено %q", up.Name)
	}
}

func TestSavePlain_MissingName(t *testing.T) {
	ingest, _ := newIngest(t, SizePolicy{}, nil)

	_, err := ingest.SavePlain(strings.NewReader("тело"), "text/plain", "", testAccount(), false)
	if !errors.Is(err, ErrMissingName) {
		t.Errorf("ожидалась ErrMissingName, получено %v", err)
	}
}
