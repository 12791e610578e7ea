// Пакет blobstore — физическое содержимое загрузок.
//
// Большие payload-ы пишутся на диск как temp-файлы upload_{uuid}.tmp
// в директории US_UPLOAD_DIR, мелкие (до memoryThreshold байт)
// держатся в памяти. Запись streaming, с подсчётом байт и обрывом
// при превышении лимита — частичный файл удаляется сразу.
//
// Метаданные нигде не персистятся: после рестарта temp-файлы — мусор,
// который убирает SweepLeftovers.
package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTooLarge — превышен лимит размера при записи содержимого.
var ErrTooLarge = errors.New("превышен лимит размера загрузки")

const (
	// tmpPrefix и tmpSuffix — соглашение об именовании temp-файлов.
	// По нему SweepLeftovers распознаёт остатки прошлого процесса.
	tmpPrefix = "upload_"
	tmpSuffix = ".tmp"
)

// Blob — физическое содержимое одной загрузки: файл на диске
// либо буфер в памяти. Уже открытое чтение переживает Delete.
type Blob struct {
	path string // пусто для in-memory
	data []byte // nil для файла на диске
	size int64
}

// Size возвращает размер содержимого в байтах.
func (b *Blob) Size() int64 {
	return b.size
}

// InMemory возвращает true, если содержимое держится в памяти.
func (b *Blob) InMemory() bool {
	return b.path == ""
}

// Path возвращает путь файла на диске (пустая строка для in-memory).
func (b *Blob) Path() string {
	return b.path
}

// Open открывает содержимое для чтения.
// Вызывающий код обязан закрыть ReadCloser.
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.InMemory() {
		return io.NopCloser(bytes.NewReader(b.data)), nil
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла загрузки %s: %w", b.path, err)
	}
	return f, nil
}

// Delete освобождает содержимое на диске. Идемпотентна: повторный
// вызов и отсутствие файла не считаются ошибкой. In-memory буфер не
// обнуляется: на него может ссылаться параллельное чтение, память
// освободит GC после удаления записи из реестра. Поля Blob после
// создания не меняются, поэтому Blob безопасен для конкурентного
// использования без блокировок.
func (b *Blob) Delete() error {
	if b.InMemory() {
		return nil
	}
	err := os.Remove(b.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла загрузки %s: %w", b.path, err)
	}
	return nil
}

// BlobStore — управление физическим содержимым загрузок.
type BlobStore struct {
	// uploadDir — директория temp-файлов (US_UPLOAD_DIR)
	uploadDir string
	// memoryThreshold — payload-ы не больше этого размера держатся в памяти
	memoryThreshold int64
	logger          *slog.Logger
}

// New создаёт BlobStore. Создаёт директорию, если её нет.
func New(uploadDir string, memoryThreshold int64, logger *slog.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(uploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию загрузок %s: %w", uploadDir, err)
	}
	return &BlobStore{
		uploadDir:       uploadDir,
		memoryThreshold: memoryThreshold,
		logger:          logger.With(slog.String("component", "blobstore")),
	}, nil
}

// UploadDir возвращает директорию temp-файлов.
func (bs *BlobStore) UploadDir() string {
	return bs.uploadDir
}

// Save записывает поток в хранилище, считая байты.
// limit — потолок в байтах, -1 означает "без лимита". Запись обрывается,
// как только прочитано limit+1 байт: частичный файл удаляется,
// возвращается ErrTooLarge. Допуска сверх лимита нет.
//
// Payload, целиком поместившийся в memoryThreshold байт, остаётся
// в памяти; больший уходит на диск в upload_{uuid}.tmp.
func (bs *BlobStore) Save(r io.Reader, limit int64) (*Blob, error) {
	// capped ограничивает чтение до limit+1: лишний байт — сигнал превышения
	capped := r
	if limit >= 0 {
		capped = io.LimitReader(r, limit+1)
	}

	// Сначала пробуем собрать payload в памяти
	head := make([]byte, 0, min64(bs.memoryThreshold, 64*1024)+1)
	buf := bytes.NewBuffer(head)
	n, err := io.CopyN(buf, capped, bs.memoryThreshold+1)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("ошибка чтения содержимого загрузки: %w", err)
	}

	if n <= bs.memoryThreshold {
		// Поместились в память
		if limit >= 0 && n > limit {
			return nil, ErrTooLarge
		}
		return &Blob{data: buf.Bytes(), size: n}, nil
	}

	// Не поместились — переливаем накопленное + остаток потока на диск
	return bs.saveToDisk(io.MultiReader(bytes.NewReader(buf.Bytes()), capped), limit)
}

// saveToDisk пишет поток в temp-файл. reader уже ограничен limit+1 байтами.
func (bs *BlobStore) saveToDisk(r io.Reader, limit int64) (*Blob, error) {
	path := filepath.Join(bs.uploadDir, tmpPrefix+uuid.NewString()+tmpSuffix)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания temp-файла: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ошибка записи содержимого: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("ошибка закрытия temp-файла: %w", err)
	}

	if limit >= 0 && size > limit {
		os.Remove(path)
		return nil, ErrTooLarge
	}

	return &Blob{path: path, size: size}, nil
}

// SweepLeftovers удаляет temp-файлы прошлого процесса: файлы с именем
// upload_*.tmp старше ttl. Вызывается один раз при старте, до первого
// запуска reaper-а. Ошибки по отдельным файлам логируются и не
// прерывают обход.
func (bs *BlobStore) SweepLeftovers(ttl time.Duration) int {
	entries, err := os.ReadDir(bs.uploadDir)
	if err != nil {
		bs.logger.Error("Ошибка сканирования директории загрузок",
			slog.String("dir", bs.uploadDir),
			slog.String("error", err.Error()),
		)
		return 0
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(bs.uploadDir, name)
		if err := os.Remove(path); err != nil {
			bs.logger.Error("Не удалось удалить оставшийся temp-файл",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		bs.logger.Info("Удалён temp-файл прошлого запуска", slog.String("path", path))
		removed++
	}

	if removed > 0 {
		bs.logger.Info("Очистка остатков завершена", slog.Int("removed", removed))
	}
	return removed
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
