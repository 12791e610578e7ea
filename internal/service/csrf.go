// csrf.go — проверка CSRF-токенов на ingestion endpoint.
//
// Браузерные клиенты шлют загрузки из форм, поэтому endpoint приёма
// защищается одноразовым токеном, привязанным к аккаунту. Токен
// выдаётся фронтендом той же площадки и проверяется здесь по общему
// секрету: HMAC-SHA256 над парой аккаунт + срок действия.
package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CSRFValidator проверяет CSRF-токен запроса.
type CSRFValidator interface {
	// Validate возвращает true, если токен корректен для аккаунта.
	Validate(token, accountID string) bool
}

// HMACValidator — проверка токенов формата "{expires}:{hex(hmac)}",
// где hmac = HMAC-SHA256(secret, accountID + ":" + expires).
type HMACValidator struct {
	secret []byte
}

// NewHMACValidator создаёт валидатор с общим секретом.
func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret)}
}

// MakeToken выдаёт токен для аккаунта со сроком действия ttl.
// Используется тестами и служебными клиентами.
func (v *HMACValidator) MakeToken(accountID string, ttl time.Duration) string {
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%d:%s", expires, v.sign(accountID, expires))
}

// Validate проверяет подпись токена и срок его действия.
func (v *HMACValidator) Validate(token, accountID string) bool {
	expStr, sig, ok := strings.Cut(token, ":")
	if !ok {
		return false
	}
	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > expires {
		return false
	}
	expected := v.sign(accountID, expires)
	return hmac.Equal([]byte(sig), []byte(expected))
}

// sign вычисляет подпись для пары аккаунт + срок действия.
func (v *HMACValidator) sign(accountID string, expires int64) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s:%d", accountID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
