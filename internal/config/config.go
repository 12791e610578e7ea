// Пакет config — загрузка и валидация конфигурации Upload Store
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Upload Store.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Уникальный идентификатор узла (префикс всех локальных upload id)
	NodeID string
	// Директория temp-файлов загрузок
	UploadDir string
	// TTL записи без обращений, после которого её убирает reaper
	UploadTTL time.Duration
	// Интервал запуска reaper-а
	ReaperInterval time.Duration
	// Глобальный лимит размера сообщения в байтах (0 = без лимита)
	MaxMessageSize int64
	// Глобальный лимит размера одного файла в байтах (0 = без лимита)
	MaxFileSize int64
	// Регулярные выражения запрещённых content-type (скомпилированы)
	ContentTypeBlacklist []*regexp.Regexp
	// Payload-ы не больше этого размера держатся в памяти, не на диске
	MemoryThreshold int64
	// Ёмкость LRU-кэша remote id → local id
	ProxyCacheSize int
	// Таймаут исходящего fetch с другого узла
	FetchTimeout time.Duration
	// Адреса узлов кластера: node_id → base URL
	Peers map[string]string
	// Путь к CA-сертификату для TLS соединений с узлами (опционально)
	PeerCACert string
	// Пропускать проверку TLS-сертификатов узлов
	TLSSkipVerify bool
	// URL JWKS endpoint (пустая строка — запуск без аутентификации)
	JWKSUrl string
	// Включена ли проверка CSRF-токена на ingestion endpoint
	CSRFEnforce bool
	// Секрет для валидации CSRF-токенов (обязателен при CSRFEnforce)
	CSRFSecret string
	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// US_PORT — порт HTTP-сервера (по умолчанию 8030)
	cfg.Port, err = getEnvInt("US_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("US_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("US_PORT: значение %d вне допустимого диапазона", cfg.Port)
	}

	// US_NODE_ID — обязательный
	cfg.NodeID, err = getEnvRequired("US_NODE_ID")
	if err != nil {
		return nil, err
	}
	if strings.Contains(cfg.NodeID, ":") {
		return nil, fmt.Errorf("US_NODE_ID: значение %q содержит разделитель ':'", cfg.NodeID)
	}

	// US_UPLOAD_DIR — обязательный
	cfg.UploadDir, err = getEnvRequired("US_UPLOAD_DIR")
	if err != nil {
		return nil, err
	}

	// US_UPLOAD_TTL — TTL записи (по умолчанию 15m)
	cfg.UploadTTL, err = getEnvDuration("US_UPLOAD_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("US_UPLOAD_TTL: %w", err)
	}
	if cfg.UploadTTL <= 0 {
		return nil, fmt.Errorf("US_UPLOAD_TTL: значение должно быть положительным")
	}

	// US_REAPER_INTERVAL — интервал reaper-а (по умолчанию 1m)
	cfg.ReaperInterval, err = getEnvDuration("US_REAPER_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("US_REAPER_INTERVAL: %w", err)
	}
	if cfg.ReaperInterval <= 0 {
		return nil, fmt.Errorf("US_REAPER_INTERVAL: значение должно быть положительным")
	}

	// US_MAX_MESSAGE_SIZE — лимит всего запроса (по умолчанию 10 MiB, 0 = без лимита)
	cfg.MaxMessageSize, err = getEnvInt64("US_MAX_MESSAGE_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("US_MAX_MESSAGE_SIZE: %w", err)
	}
	if cfg.MaxMessageSize < 0 {
		return nil, fmt.Errorf("US_MAX_MESSAGE_SIZE: значение не может быть отрицательным")
	}

	// US_MAX_FILE_SIZE — лимит одного файла (по умолчанию 0 = без лимита)
	cfg.MaxFileSize, err = getEnvInt64("US_MAX_FILE_SIZE", 0)
	if err != nil {
		return nil, fmt.Errorf("US_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize < 0 {
		return nil, fmt.Errorf("US_MAX_FILE_SIZE: значение не может быть отрицательным")
	}

	// US_CONTENT_TYPE_BLACKLIST — запрещённые content-type, regex через запятую
	if raw := getEnvDefault("US_CONTENT_TYPE_BLACKLIST", ""); raw != "" {
		for _, pattern := range strings.Split(raw, ",") {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			re, compErr := regexp.Compile(pattern)
			if compErr != nil {
				return nil, fmt.Errorf("US_CONTENT_TYPE_BLACKLIST: некорректное выражение %q: %w", pattern, compErr)
			}
			cfg.ContentTypeBlacklist = append(cfg.ContentTypeBlacklist, re)
		}
	}

	// US_MEMORY_THRESHOLD — порог in-memory хранения (по умолчанию 32 KiB)
	cfg.MemoryThreshold, err = getEnvInt64("US_MEMORY_THRESHOLD", 32*1024)
	if err != nil {
		return nil, fmt.Errorf("US_MEMORY_THRESHOLD: %w", err)
	}
	if cfg.MemoryThreshold < 0 {
		return nil, fmt.Errorf("US_MEMORY_THRESHOLD: значение не может быть отрицательным")
	}

	// US_PROXY_CACHE_SIZE — ёмкость LRU remote→local (по умолчанию 100)
	cfg.ProxyCacheSize, err = getEnvInt("US_PROXY_CACHE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("US_PROXY_CACHE_SIZE: %w", err)
	}
	if cfg.ProxyCacheSize <= 0 {
		return nil, fmt.Errorf("US_PROXY_CACHE_SIZE: значение должно быть положительным")
	}

	// US_FETCH_TIMEOUT — таймаут fetch с другого узла (по умолчанию 30s)
	cfg.FetchTimeout, err = getEnvDuration("US_FETCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_FETCH_TIMEOUT: %w", err)
	}

	// US_PEERS — адреса узлов кластера: "node-01=https://host:8030,node-02=..."
	cfg.Peers, err = parsePeers(getEnvDefault("US_PEERS", ""))
	if err != nil {
		return nil, fmt.Errorf("US_PEERS: %w", err)
	}

	// US_PEER_CA_CERT — CA-сертификат для соединений с узлами (опционально)
	cfg.PeerCACert = getEnvDefault("US_PEER_CA_CERT", "")

	// US_TLS_SKIP_VERIFY — пропуск проверки TLS-сертификатов узлов
	cfg.TLSSkipVerify, err = getEnvBool("US_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("US_TLS_SKIP_VERIFY: %w", err)
	}

	// US_JWKS_URL — endpoint ключей аутентификации (пусто — запуск без auth)
	cfg.JWKSUrl = getEnvDefault("US_JWKS_URL", "")

	// US_CSRF_ENFORCE — проверка CSRF-токена (по умолчанию выключена)
	cfg.CSRFEnforce, err = getEnvBool("US_CSRF_ENFORCE", false)
	if err != nil {
		return nil, fmt.Errorf("US_CSRF_ENFORCE: %w", err)
	}

	// US_CSRF_SECRET — обязателен при включённой проверке
	cfg.CSRFSecret = getEnvDefault("US_CSRF_SECRET", "")
	if cfg.CSRFEnforce && cfg.CSRFSecret == "" {
		return nil, fmt.Errorf("US_CSRF_SECRET: обязателен при US_CSRF_ENFORCE=true")
	}

	// US_TLS_CERT / US_TLS_KEY — опциональная пара
	cfg.TLSCert = getEnvDefault("US_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("US_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("US_TLS_CERT и US_TLS_KEY должны задаваться вместе")
	}

	// US_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("US_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("US_LOG_LEVEL: %w", err)
	}

	// US_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("US_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("US_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// US_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("US_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_SHUTDOWN_TIMEOUT: %w", err)
	}

	// US_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("US_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// US_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("US_DEPHEALTH_GROUP", "upload-store")

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parsePeers разбирает строку "id=url,id=url" в map.
func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	if raw == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		url = strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("некорректная пара %q, ожидается node_id=url", pair)
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("узел %q указан дважды", id)
		}
		peers[id] = strings.TrimRight(url, "/")
	}
	return peers, nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1m, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
