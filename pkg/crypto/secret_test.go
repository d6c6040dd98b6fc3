package crypto

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecretWithCost("live-trading-secret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashSecretWithCost failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") {
		t.Errorf("хеш должен начинаться с префикса bcrypt: %s", hash)
	}
	if !IsValidHash(hash) {
		t.Error("IsValidHash должен принять bcrypt-хеш")
	}

	if err := VerifySecret("live-trading-secret", hash); err != nil {
		t.Errorf("верный секрет отклонён: %v", err)
	}
	if err := VerifySecret("wrong", hash); !errors.Is(err, ErrSecretMismatch) {
		t.Errorf("ожидалась ErrSecretMismatch, получено %v", err)
	}
}

func TestHashSecret_Errors(t *testing.T) {
	if _, err := HashSecret(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("ожидалась ErrEmptySecret, получено %v", err)
	}
	if _, err := HashSecret(strings.Repeat("a", 73)); !errors.Is(err, ErrSecretTooLong) {
		t.Errorf("ожидалась ErrSecretTooLong, получено %v", err)
	}
}

func TestVerifySecret_Errors(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		hash   string
		want   error
	}{
		{"empty secret", "", "$2a$04$abc", ErrEmptySecret},
		{"empty hash", "s", "", ErrInvalidHash},
		{"garbage hash", "s", "not-a-hash", ErrInvalidHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifySecret(tt.secret, tt.hash); !errors.Is(err, tt.want) {
				t.Errorf("получено %v, ожидалось %v", err, tt.want)
			}
		})
	}
	if IsValidHash("plain") {
		t.Error("IsValidHash не должен принимать произвольную строку")
	}
}
