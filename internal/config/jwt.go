package config

import "fmt"

// JWTConfig holds configuration for JWT token generation and validation.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// JWTConfig builds the token configuration. The secret is required.
func (c AuthConfig) JWTConfig() (*JWTConfig, error) {
	hours := c.JWTExpirationHours
	if hours == 0 {
		hours = 24
	}
	config := &JWTConfig{Secret: c.JWTSecret, ExpirationHours: hours}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

// normalize validates the configuration.
func (c *JWTConfig) normalize() error {
	if c.Secret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.ExpirationHours < 1 {
		return fmt.Errorf("JWT_EXPIRATION_HOURS must be at least 1 hour, got: %d", c.ExpirationHours)
	}
	return nil
}
