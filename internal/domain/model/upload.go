// Пакет model — доменные модели Upload Store.
// Upload — единица хранения: метаданные + ссылка на физическое содержимое.
// Запись живёт только в памяти процесса и умирает вместе с ним —
// хранилище по дизайну transient.
package model

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gogroupware/upload-store/internal/storage/blobstore"
)

// ErrInvalidUploadID — строка не является составным идентификатором.
var ErrInvalidUploadID = errors.New("некорректный идентификатор загрузки")

// UploadIDDelimiter — разделитель node_id и uuid в составном идентификаторе.
// Формат "<nodeId>:<uuid>" — wire-контракт между узлами, парсится
// другими компонентами для маршрутизации. Менять нельзя.
const UploadIDDelimiter = ":"

// UploadID — составной идентификатор загрузки.
// Префикс NodeID определяет узел, на котором физически лежат байты.
type UploadID struct {
	// NodeID — идентификатор узла-владельца
	NodeID string
	// UUID — уникальная часть идентификатора (UUID v4)
	UUID string
}

// NewUploadID генерирует новый идентификатор для локального узла.
func NewUploadID(nodeID string) UploadID {
	return UploadID{
		NodeID: nodeID,
		UUID:   uuid.NewString(),
	}
}

// ParseUploadID разбирает строку вида "<nodeId>:<uuid>".
// Возвращает ошибку, если формат некорректен.
func ParseUploadID(s string) (UploadID, error) {
	parts := strings.Split(s, UploadIDDelimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return UploadID{}, fmt.Errorf("%w: %q", ErrInvalidUploadID, s)
	}
	return UploadID{NodeID: parts[0], UUID: parts[1]}, nil
}

// String возвращает каноническую строковую форму идентификатора.
func (id UploadID) String() string {
	return id.NodeID + UploadIDDelimiter + id.UUID
}

// IsLocal возвращает true, если загрузка принадлежит указанному узлу.
func (id UploadID) IsLocal(nodeID string) bool {
	return id.NodeID == nodeID
}

// Upload — запись о загруженном файле.
//
// Поля ID, AccountID, Name, ContentType, Size, CreatedAt неизменяемы после
// создания. LastAccess обновляется только реестром под его мьютексом.
// Флаг deleted монотонный: false → true, обратного перехода нет.
type Upload struct {
	// ID — составной идентификатор (node_id + uuid)
	ID UploadID

	// AccountID — аккаунт-владелец. Все чтения сверяются с ним.
	AccountID string

	// Name — имя файла без компонентов пути
	Name string

	// ContentType — MIME-тип, определённый классификатором
	ContentType string

	// Size — размер содержимого в байтах
	Size int64

	// CreatedAt — момент создания записи (UTC)
	CreatedAt time.Time

	// LastAccess — момент последнего успешного Get.
	// Обновляется реестром атомарно с поиском.
	LastAccess time.Time

	// Blob — физическое содержимое (файл на диске или буфер в памяти)
	Blob *blobstore.Blob

	mu      sync.Mutex
	deleted bool
}

// MarkDeleted помечает запись удалённой. Переход монотонный.
func (u *Upload) MarkDeleted() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deleted = true
}

// WasDeleted возвращает true, если запись помечена удалённой.
func (u *Upload) WasDeleted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deleted
}

// Open открывает содержимое загрузки для чтения.
// Возвращает ошибку, если запись уже помечена удалённой.
// Вызывающий код обязан закрыть ReadCloser.
func (u *Upload) Open() (io.ReadCloser, error) {
	if u.WasDeleted() {
		return nil, fmt.Errorf("загрузка %s удалена, содержимое недоступно", u.ID)
	}
	return u.Blob.Open()
}

// Purge освобождает физическое содержимое (файл/буфер).
// Вызывается строго вне критической секции реестра.
func (u *Upload) Purge() error {
	return u.Blob.Delete()
}

// String — компактное представление для логов.
func (u *Upload) String() string {
	return fmt.Sprintf("Upload{id=%s, account=%s, name=%s, size=%d}",
		u.ID, u.AccountID, u.Name, u.Size)
}

// TrimFilename убирает компоненты пути из имени файла, присланного
// клиентом. Windows-клиенты передают полный путь с обратными слэшами.
func TrimFilename(filename string) string {
	name := strings.TrimSpace(filename)
	if idx := strings.LastIndexAny(name, "/\\"); idx != -1 {
		name = name[idx+1:]
	}
	return strings.TrimSpace(name)
}

// Account — аккаунт, от имени которого выполняется запрос.
// Поиск аккаунта — внешняя подсистема; здесь только то, что нужно
// для проверки владения и лимита размера.
type Account struct {
	// ID — идентификатор аккаунта (sub из токена)
	ID string

	// MaxFileSize — персональный лимит размера одного файла в байтах.
	// nil — лимит не задан, действует глобальная конфигурация.
	MaxFileSize *int64
}
