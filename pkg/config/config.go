package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	BlobStoragePath string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
	LoginRateLimit  int64
	SignupRateLimit int64
}

// Load reads configuration from the environment, with an optional env file
// pointed to by SEALGRAM_ENV_FILE. Real environment variables win over the
// file; the file wins over defaults.
func Load() *Config {
	file := loadEnvFile(os.Getenv("SEALGRAM_ENV_FILE"))
	get := func(key, fallback string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := file[key]; exists {
			return value
		}
		return fallback
	}

	return &Config{
		Port:            get("PORT", "8080"),
		Environment:     get("ENVIRONMENT", "development"),
		DatabasePath:    get("DATABASE_PATH", "./data/sealgram.db"),
		JWTSecret:       get("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     get("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(get("MAX_UPLOAD_SIZE", "94371840")), // largest sponsor video, encoded
		BlobStoragePath: get("BLOB_STORAGE_PATH", "./data/blobs"),
		VAPIDPublicKey:  get("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: get("VAPID_PRIVATE_KEY", ""),
		PushSubscriber:  get("PUSH_SUBSCRIBER", "mailto:push@sealgram.local"),
		LoginRateLimit:  parseLimit(get("LOGIN_RATE_LIMIT", "5"), 5),
		SignupRateLimit: parseLimit(get("SIGNUP_RATE_LIMIT", "2"), 2),
	}
}

func loadEnvFile(path string) map[string]string {
	out := make(map[string]string)
	if path == "" {
		return out
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 94371840
	}
	return val
}

// parseLimit parses a per-minute request limit, rejecting non-positive values.
func parseLimit(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
