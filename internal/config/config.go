package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr     string
	DataDir      string
	DBPath       string
	WebDir       string
	ProjectsRoot string

	CollabBaseURL string
	CollabAPIKey  string

	PingInterval    time.Duration
	RetryQuotaMax   int
	RetryQuotaDelay time.Duration
	CancelTimeout   time.Duration
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("AGENTDECK_DATA_DIR", "data")
	return Config{
		HTTPAddr:     getEnv("AGENTDECK_HTTP_ADDR", ":8080"),
		DataDir:      dataDir,
		DBPath:       getEnv("AGENTDECK_DB_PATH", filepath.Join(dataDir, "agentdeck.db")),
		WebDir:       getEnv("AGENTDECK_WEB_DIR", "web"),
		ProjectsRoot: getEnv("AGENTDECK_PROJECTS_ROOT", filepath.Join(dataDir, "projects")),

		CollabBaseURL: getEnv("AGENTDECK_COLLAB_BASE_URL", ""),
		CollabAPIKey:  getEnv("AGENTDECK_COLLAB_API_KEY", ""),

		PingInterval:    getDuration("AGENTDECK_PING_INTERVAL", 30*time.Second),
		RetryQuotaMax:   getInt("AGENTDECK_RETRY_QUOTA_MAX", 2),
		RetryQuotaDelay: getDuration("AGENTDECK_RETRY_QUOTA_DELAY", 60*time.Second),
		CancelTimeout:   getDuration("AGENTDECK_CANCEL_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
