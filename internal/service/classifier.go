// classifier.go — определение content-type загружаемого файла.
//
// Заявленный клиентом тип известно ненадёжен: браузеры шлют
// application/octet-stream для чего угодно, а офисные форматы
// (docx, xlsx) по magic-байтам неотличимы от обычного zip.
// Поэтому тип определяется каскадом стратегий: сначала сигнатура
// содержимого, потом расширение имени файла, потом заявленный тип.
package service

import (
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultContentType — тип по умолчанию, когда ни одна стратегия не дала ответа.
const DefaultContentType = "application/octet-stream"

// ambiguousTypes — результаты sniff-а, которым нельзя верить без уточнения
// по расширению: контейнерные и неопределённые типы.
var ambiguousTypes = map[string]bool{
	"application/octet-stream":  true,
	"application/zip":           true,
	"application/x-ole-storage": true,
}

// extensionTypes — таблица расширений, для которых mime.TypeByExtension
// системно ненадёжен (зависит от /etc/mime.types хоста).
var extensionTypes = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".ppt":  "application/vnd.ms-powerpoint",
	".xml":  "text/xml",
	".json": "application/json",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
}

// Classifier определяет content-type по содержимому, имени и заявленному типу.
type Classifier struct {
	blacklist []*regexp.Regexp
}

// NewClassifier создаёт классификатор с заданным чёрным списком типов.
func NewClassifier(blacklist []*regexp.Regexp) *Classifier {
	return &Classifier{blacklist: blacklist}
}

// Classify возвращает content-type для загрузки.
//
// head — начальные байты содержимого (достаточно 3072), filename — имя
// файла, declared — тип, заявленный клиентом. Каскад:
//  1. Сигнатура содержимого. Результат принимается, если он однозначен.
//  2. Расширение имени файла — когда sniff дал контейнерный или
//     неопределённый тип.
//  3. Заявленный text/xml уточняет распознанный application/xml.
//  4. Заявленный тип клиента.
//  5. application/octet-stream.
func (c *Classifier) Classify(head []byte, filename, declared string) string {
	declared = normalizeType(declared)

	sniffed := ""
	if len(head) > 0 {
		sniffed = mimetype.Detect(head).String()
		sniffed = normalizeType(sniffed)
	}

	ct := sniffed
	if ct == "" || ambiguousTypes[ct] {
		if byExt := typeByFilename(filename); byExt != "" {
			ct = byExt
		}
	}

	// text/xml и application/xml по сигнатуре неразличимы: если клиент
	// заявил текстовый вариант, верим ему.
	if ct == "application/xml" && declared == "text/xml" {
		ct = declared
	}

	if ct == "" || ct == DefaultContentType {
		if declared != "" {
			ct = declared
		}
	}

	if ct == "" {
		ct = DefaultContentType
	}
	return ct
}

// Blacklisted сообщает, запрещён ли content-type конфигурацией.
func (c *Classifier) Blacklisted(contentType string) bool {
	for _, re := range c.blacklist {
		if re.MatchString(contentType) {
			return true
		}
	}
	return false
}

// typeByFilename определяет тип по расширению имени файла.
// Возвращает пустую строку, если расширение неизвестно.
func typeByFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return ""
	}
	if ct, ok := extensionTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return normalizeType(ct)
	}
	return ""
}

// normalizeType обрезает параметры ("; charset=...") и приводит тип
// к нижнему регистру.
func normalizeType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(ct); err == nil {
		return parsed
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return strings.ToLower(ct)
}
