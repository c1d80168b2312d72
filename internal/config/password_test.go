package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthConfig_PasswordConfig(t *testing.T) {
	tests := []struct {
		name     string
		cost     int
		wantCost int
		wantErr  bool
	}{
		{name: "default cost", cost: 0, wantCost: 12},
		{name: "minimum cost", cost: 10, wantCost: 10},
		{name: "maximum cost", cost: 14, wantCost: 14},
		{name: "too low", cost: 9, wantErr: true},
		{name: "too high", cost: 15, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := AuthConfig{BcryptCost: tt.cost}.PasswordConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "bcrypt cost out of range")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCost, cfg.BcryptCost)
		})
	}
}

func TestPasswordConfig_HashAndVerify(t *testing.T) {
	cfg := &PasswordConfig{BcryptCost: 10}

	hash, err := cfg.HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$10$"))
	assert.NotEqual(t, "correct horse", hash)

	assert.True(t, cfg.VerifyPassword("correct horse", hash))
	assert.False(t, cfg.VerifyPassword("wrong horse", hash))
	assert.False(t, cfg.VerifyPassword("correct horse", "not-a-hash"))
}

func TestPasswordConfig_SaltUniqueness(t *testing.T) {
	cfg := &PasswordConfig{BcryptCost: 10}

	first, err := cfg.HashPassword("same-password")
	require.NoError(t, err)
	second, err := cfg.HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, cfg.VerifyPassword("same-password", first))
	assert.True(t, cfg.VerifyPassword("same-password", second))
}

func TestPasswordConfig_WithPepper(t *testing.T) {
	peppered := &PasswordConfig{BcryptCost: 10, Pepper: "pepper-1"}
	hash, err := peppered.HashPassword("operator")
	require.NoError(t, err)

	assert.True(t, peppered.VerifyPassword("operator", hash))

	plain := &PasswordConfig{BcryptCost: 10}
	assert.False(t, plain.VerifyPassword("operator", hash), "hash must not verify without the pepper")

	rotated := &PasswordConfig{BcryptCost: 10, Pepper: "pepper-2"}
	assert.False(t, rotated.VerifyPassword("operator", hash), "hash must not verify with a different pepper")
}

func TestPasswordConfig_EmptyPassword(t *testing.T) {
	cfg := &PasswordConfig{BcryptCost: 10}
	_, err := cfg.HashPassword("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password is empty")
}
