package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides configuration values from environment variables. Empty
// variables are ignored; malformed numbers and booleans are errors.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.setInt("PORT", &c.Server.Port)
	e.setString("CHROME_PATH", &c.Server.ChromePath)

	e.setString("DATABASE_DRIVER", &c.Database.Driver)
	e.setString("DATABASE_URL", &c.Database.URL)

	e.setString("WORKSPACE_ROOT", &c.Workspace.Root)
	e.setString("PDF_TEXT_COMMAND", &c.Workspace.PDFTextCommand)

	e.setString("GEMINI_API_KEY", &c.LLM.APIKey)
	e.setBool("BID_FAST_MODE", &c.LLM.FastMode)

	e.setInt("STEP_TIMEOUT_MINUTES", &c.Execution.StepTimeoutMinutes)
	e.setInt("CONTENT_CONCURRENCY", &c.Execution.ContentConcurrency)

	e.setString("QUEUE_MODE", &c.Queue.Mode)
	e.setString("REDIS_ADDR", &c.Queue.RedisAddr)
	e.setString("REDIS_PASSWORD", &c.Queue.RedisPassword)
	e.setInt("REDIS_DB", &c.Queue.RedisDB)
	e.setInt("QUEUE_CONCURRENCY", &c.Queue.Concurrency)

	e.setString("STORAGE_BACKEND", &c.Storage.Backend)
	e.setString("STORAGE_ROOT", &c.Storage.Root)
	e.setString("STORAGE_BASE_URL", &c.Storage.BaseURL)
	e.setString("MINIO_ENDPOINT", &c.Storage.MinIO.Endpoint)
	e.setString("MINIO_ACCESS_KEY", &c.Storage.MinIO.AccessKey)
	e.setString("MINIO_SECRET_KEY", &c.Storage.MinIO.SecretKey)
	e.setString("MINIO_BUCKET", &c.Storage.MinIO.Bucket)
	e.setBool("MINIO_USE_SSL", &c.Storage.MinIO.UseSSL)
	e.setInt("MINIO_URL_EXPIRY_HOURS", &c.Storage.MinIO.URLExpiryHours)

	e.setString("JWT_SECRET", &c.Auth.JWTSecret)
	e.setInt("JWT_EXPIRATION_HOURS", &c.Auth.JWTExpirationHours)
	e.setString("AUTH_USERNAME", &c.Auth.Username)
	e.setString("AUTH_PASSWORD_HASH", &c.Auth.PasswordHash)
	e.setInt("BCRYPT_COST", &c.Auth.BcryptCost)
	e.setString("PASSWORD_PEPPER", &c.Auth.Pepper)

	enabled := !c.RateLimit.Disabled
	e.setBool("RATE_LIMIT_ENABLED", &enabled)
	c.RateLimit.Disabled = !enabled
	e.setInt("RATE_LIMIT_DEFAULT_LIMIT", &c.RateLimit.DefaultLimit)
	e.setString("RATE_LIMIT_DEFAULT_WINDOW", &c.RateLimit.DefaultWindow)
	e.setList("RATE_LIMIT_WHITELIST", &c.RateLimit.Whitelist)
	e.setList("RATE_LIMIT_BLACKLIST", &c.RateLimit.Blacklist)

	return e.err
}

// envReader records the first parse error and skips the rest
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) value(key string) (string, bool) {
	if e.err != nil || e.lookup == nil {
		return "", false
	}
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %v", key, err)
		return
	}
	*dst = n
}

func (e *envReader) setBool(key string, dst *bool) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %v", key, err)
		return
	}
	*dst = b
}

func (e *envReader) setList(key string, dst *[]string) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
