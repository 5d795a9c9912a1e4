package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Secret     string        `env:"LATCHKEY_TOKEN_SECRET"`
	AccessTTL  time.Duration `env:"LATCHKEY_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"LATCHKEY_REFRESH_TOKEN_TTL" envDefault:"120h"`
}

// Config defines how session tokens are signed and scoped.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// minSecretBytes is the smallest accepted HMAC key length.
const minSecretBytes = 32

// LoadConfigFromEnv reads token signing configuration.
//
// The secret is a base64-encoded HMAC key; the hmac-key tool emits a
// compatible value.
func LoadConfigFromEnv() (Config, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse token env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		return Config{}, fmt.Errorf("LATCHKEY_TOKEN_SECRET is required")
	}
	keyBytes, err := decodeBase64(secret)
	if err != nil {
		return Config{}, fmt.Errorf("decode token secret: %w", err)
	}
	if len(keyBytes) < minSecretBytes {
		return Config{}, fmt.Errorf("token secret must be at least %d bytes", minSecretBytes)
	}
	if raw.AccessTTL <= 0 {
		return Config{}, fmt.Errorf("LATCHKEY_ACCESS_TOKEN_TTL must be positive")
	}
	if raw.RefreshTTL <= 0 {
		return Config{}, fmt.Errorf("LATCHKEY_REFRESH_TOKEN_TTL must be positive")
	}
	return Config{
		Secret:     keyBytes,
		AccessTTL:  raw.AccessTTL,
		RefreshTTL: raw.RefreshTTL,
	}, nil
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
