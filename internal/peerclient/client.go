// Пакет peerclient — HTTP-клиент для получения загрузок с других узлов
// кластера. Поддерживает TLS с кастомным CA (US_PEER_CA_CERT),
// streaming-передачу содержимого и проброс токена исходного запроса.
package peerclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client — HTTP-клиент для скачивания загрузок с узлов кластера.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент для proxy fetch.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// skipVerify — отключить проверку сертификатов узлов (только для стендов).
// timeout — таймаут запросов (из конфигурации US_FETCH_TIMEOUT).
func New(caCertPath string, skipVerify bool, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		// Настройка пула idle-соединений для эффективного переиспользования
		MaxIdleConnsPerHost: 10,
	}

	tlsConfig, err := buildTLSConfig(caCertPath, skipVerify)
	if err != nil {
		return nil, fmt.Errorf("настройка TLS для узлов: %w", err)
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
		if caCertPath != "" {
			logger.Info("CA-сертификат узлов добавлен в пул доверия",
				slog.String("ca_cert", caCertPath),
			)
		}
		if skipVerify {
			logger.Warn("проверка TLS-сертификатов узлов отключена")
		}
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "peer_client")),
	}, nil
}

// Fetch выполняет streaming-загрузку содержимого с другого узла.
// Возвращает *http.Response — вызывающий код ОБЯЗАН закрыть resp.Body.
//
// baseURL — базовый URL узла (например, https://us-02:8030).
// uploadID — составной идентификатор загрузки на том узле.
// token — bearer-токен исходного запроса, пробрасывается как есть.
// expunge — попросить узел удалить загрузку после отдачи.
//
// Формат запроса: GET {baseURL}/service/upload/proxy?uid={id}&expunge={bool}
func (c *Client) Fetch(ctx context.Context, baseURL, uploadID, token string, expunge bool) (*http.Response, error) {
	q := url.Values{}
	q.Set("uid", uploadID)
	q.Set("expunge", strconv.FormatBool(expunge))
	reqURL := fmt.Sprintf("%s/service/upload/proxy?%s", normalizeURL(baseURL), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Fetch: %w", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос Fetch к %s: %w", baseURL, err)
	}

	// Не закрываем resp.Body — вызывающий код отвечает за это (streaming)
	return resp, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string, skipVerify bool) (*tls.Config, error) {
	if caCertPath == "" && !skipVerify {
		return nil, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: skipVerify, //nolint:gosec // включается явно конфигурацией
	}

	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
		}

		caCertPool, err := x509.SystemCertPool()
		if err != nil {
			caCertPool = x509.NewCertPool()
		}
		caCertPool.AppendCertsFromPEM(caCert)
		cfg.RootCAs = caCertPool
	}

	return cfg, nil
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}
