// sizelimit.go — вычисление эффективного лимита размера загрузки.
package service

import (
	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
)

// Unlimited — признак отсутствия лимита размера.
const Unlimited int64 = -1

// SizePolicy вычисляет предельный размер загрузки для конкретного запроса.
type SizePolicy struct {
	// Глобальный лимит всего запроса в байтах (0 = без лимита)
	MaxMessageSize int64
	// Глобальный лимит одного файла в байтах (0 = без лимита)
	MaxFileSize int64
}

// EffectiveLimit возвращает лимит в байтах для загрузки.
//
// limitByFileSize выбирает режим: лимит файла (документы) или лимит
// сообщения (вложения письма). В файловом режиме персональный лимит
// аккаунта, если задан, заменяет глобальный; в режиме сообщения
// действует только глобальный лимит сообщения. Значение 0 означает
// «без лимита» и транслируется в Unlimited.
func (p SizePolicy) EffectiveLimit(acct *model.Account, limitByFileSize bool) int64 {
	limit := p.MaxMessageSize
	if limitByFileSize {
		limit = p.MaxFileSize
		if acct != nil && acct.MaxFileSize != nil {
			limit = *acct.MaxFileSize
		}
	}

	if limit == 0 {
		limit = Unlimited
	}

	return limit
}
