package service

import (
	"testing"

	"github.com/bigkaa/gogroupware/upload-store/internal/domain/model"
)

func int64ptr(v int64) *int64 { return &v }

func TestEffectiveLimit(t *testing.T) {
	policy := SizePolicy{
		MaxMessageSize: 10 * 1024 * 1024,
		MaxFileSize:    5 * 1024 * 1024,
	}

	tests := []struct {
		name            string
		acct            *model.Account
		limitByFileSize bool
		expected        int64
	}{
		{
			name:     "лимит сообщения по умолчанию",
			acct:     &model.Account{ID: "a"},
			expected: 10 * 1024 * 1024,
		},
		{
			name:            "лимит файла при lbfums",
			acct:            &model.Account{ID: "a"},
			limitByFileSize: true,
			expected:        5 * 1024 * 1024,
		},
		{
			name:            "персональный лимит заменяет глобальный лимит файла",
			acct:            &model.Account{ID: "a", MaxFileSize: int64ptr(1024)},
			limitByFileSize: true,
			expected:        1024,
		},
		{
			name:            "персональный лимит выше глобального тоже действует",
			acct:            &model.Account{ID: "a", MaxFileSize: int64ptr(100 * 1024 * 1024)},
			limitByFileSize: true,
			expected:        100 * 1024 * 1024,
		},
		{
			name:     "персональный лимит в режиме сообщения не действует",
			acct:     &model.Account{ID: "a", MaxFileSize: int64ptr(1024)},
			expected: 10 * 1024 * 1024,
		},
		{
			name:            "персональный 0 — без лимита",
			acct:            &model.Account{ID: "a", MaxFileSize: int64ptr(0)},
			limitByFileSize: true,
			expected:        Unlimited,
		},
		{
			name:     "nil аккаунт",
			acct:     nil,
			expected: 10 * 1024 * 1024,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.EffectiveLimit(tt.acct, tt.limitByFileSize)
			if got != tt.expected {
				t.Errorf("ожидалось %d, получено %d", tt.expected, got)
			}
		})
	}
}

func TestEffectiveLimit_ZeroMeansUnlimited(t *testing.T) {
	policy := SizePolicy{MaxMessageSize: 0, MaxFileSize: 0}

	got := policy.EffectiveLimit(&model.Account{ID: "a"}, false)
	if got != Unlimited {
		t.Errorf("глобальный 0 — без лимита: ожидалось %d, получено %d", Unlimited, got)
	}

	got = policy.EffectiveLimit(&model.Account{ID: "a"}, true)
	if got != Unlimited {
		t.Errorf("глобальный 0 (файл) — без лимита: ожидалось %d, получено %d", Unlimited, got)
	}
}

func TestEffectiveLimit_PersonalWithUnlimitedGlobal(t *testing.T) {
	policy := SizePolicy{MaxFileSize: 0}

	got := policy.EffectiveLimit(&model.Account{ID: "a", MaxFileSize: int64ptr(2048)}, true)
	if got != 2048 {
		t.Errorf("персональный лимит при глобальном «без лимита»: ожидалось 2048, получено %d", got)
	}
}
