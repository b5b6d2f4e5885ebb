package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/brandon/email-archiver/pkg/types"
)

// Config holds the application configuration
type Config struct {
	// Storage
	DataDir     string
	DBPath      string
	DownloadDir string
	AuthDir     string
	LogLevel    string

	// Providers
	Gmail GmailConfig
	M365  M365Config
	IMAP  IMAPConfig

	// AI
	LLM LLMConfig

	// Side channels
	MetadataPath  string
	WebhookURL    string
	WebhookSecret string
}

// GmailConfig holds Gmail OAuth settings
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	TokenPath    string
}

// M365Config holds Microsoft Graph settings
type M365Config struct {
	AccessToken string
	TokenPath   string
}

// IMAPConfig holds plain IMAP settings
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
}

// LLMConfig holds LLM endpoint settings. LLM_* variables win over their
// OPENAI_* equivalents, so a local endpoint can coexist with an OpenAI key
// in the same environment.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Categories     []string
	SkipCategories []string
}

// LoadConfig loads configuration from the environment, reading a .env file
// first when present.
func LoadConfig() (*Config, error) {
	// missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	dataDir := getEnv("EESA_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".email-archiver")
	}

	cfg := &Config{
		DataDir:     dataDir,
		DBPath:      getEnv("EESA_DB_PATH", filepath.Join(dataDir, "email_archiver.sqlite")),
		DownloadDir: getEnv("EESA_DOWNLOAD_DIR", filepath.Join(dataDir, "downloads")),
		AuthDir:     getEnv("EESA_AUTH_DIR", filepath.Join(dataDir, "auth")),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		Gmail: GmailConfig{
			ClientID:     getEnv("GMAIL_CLIENT_ID", ""),
			ClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		},
		M365: M365Config{
			AccessToken: getEnv("M365_ACCESS_TOKEN", ""),
		},
		IMAP: IMAPConfig{
			Host:     getEnv("IMAP_HOST", ""),
			Port:     getEnvInt("IMAP_PORT", 993),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
			Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
		},

		LLM: LLMConfig{
			BaseURL:        firstEnv("LLM_BASE_URL", "OPENAI_BASE_URL"),
			APIKey:         firstEnv("LLM_API_KEY", "OPENAI_API_KEY"),
			Model:          getEnv("LLM_MODEL", "gpt-4o-mini"),
			Categories:     getEnvList("LLM_CATEGORIES"),
			SkipCategories: getEnvList("LLM_SKIP_CATEGORIES"),
		},

		MetadataPath:  getEnv("EESA_METADATA_FILE", ""),
		WebhookURL:    getEnv("EESA_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("EESA_WEBHOOK_SECRET", ""),
	}

	cfg.Gmail.TokenPath = filepath.Join(cfg.AuthDir, "gmail_token.json")
	cfg.M365.TokenPath = filepath.Join(cfg.AuthDir, "m365_token.json")

	return cfg, nil
}

// LegacyCheckpointPath is where runs before the database kept their
// checkpoint state.
func (c *Config) LegacyCheckpointPath() string {
	return filepath.Join(c.DataDir, "config", "checkpoint.json")
}

// ValidateProvider checks that the configuration carries enough to talk to
// the chosen provider. AI and webhook settings are optional and validated at
// the point of use.
func (c *Config) ValidateProvider(p types.Provider) error {
	switch p {
	case types.ProviderGmail:
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" {
			return fmt.Errorf("GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET are required for gmail")
		}
	case types.ProviderM365:
		if c.M365.AccessToken == "" {
			return fmt.Errorf("M365_ACCESS_TOKEN is required for m365")
		}
	case types.ProviderIMAP:
		if c.IMAP.Host == "" || c.IMAP.Username == "" || c.IMAP.Password == "" {
			return fmt.Errorf("IMAP_HOST, IMAP_USERNAME and IMAP_PASSWORD are required for imap")
		}
		if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
			return fmt.Errorf("invalid IMAP_PORT")
		}
	default:
		return fmt.Errorf("unknown provider: %s", p)
	}
	return nil
}

// AIConfigured reports whether an LLM endpoint can be reached. Local
// endpoints frequently need no API key.
func (c *Config) AIConfigured() bool {
	if c.LLM.APIKey != "" {
		return true
	}
	return c.LLM.BaseURL != "" && !strings.Contains(c.LLM.BaseURL, "api.openai.com")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// firstEnv returns the first non-empty value among the given variables
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}
