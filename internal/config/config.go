// Package config provides configuration for the application
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Logging  LoggingConfig
	CORS     CORSConfig
	Twilio   TwilioConfig
	Tasks    TasksConfig
	APIKey   string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// ServerConfig holds server settings
type ServerConfig struct {
	Port int
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	AllowedOrigins []string
}

// TwilioConfig holds credentials and well-known resources on the
// messaging provider
type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	PhoneNumber  string
	WorkspaceSID string
}

// TasksConfig holds settings for the inactivity automation engine
type TasksConfig struct {
	AutoEnabled           bool
	PollInterval          time.Duration
	BatchSize             int
	Source                string
	FlexPollLimit         int
	FlexCloseConversation bool
	FlexCompleteTask      bool
	AutomationAuthor      string
	RetentionDays         int
}

// Source mode values for TasksConfig.Source
const (
	SourceInternal = "internal"
	SourceFlex     = "flex"
	SourceAuto     = "auto"
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (optional)
	godotenv.Load()

	cfg := &Config{}

	// Database configuration
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		return nil, fmt.Errorf("DB_HOST is required")
	}
	cfg.Database.Host = dbHost

	dbPortStr := os.Getenv("DB_PORT")
	if dbPortStr == "" {
		return nil, fmt.Errorf("DB_PORT is required")
	}
	dbPort, err := strconv.Atoi(dbPortStr)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.Port = dbPort

	dbUser := os.Getenv("DB_USER")
	if dbUser == "" {
		return nil, fmt.Errorf("DB_USER is required")
	}
	cfg.Database.User = dbUser

	dbPassword := os.Getenv("DB_PASSWORD")
	if dbPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	cfg.Database.Password = dbPassword

	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		return nil, fmt.Errorf("DB_NAME is required")
	}
	cfg.Database.DBName = dbName

	// Server configuration
	serverPortStr := os.Getenv("SERVER_PORT")
	if serverPortStr == "" {
		serverPortStr = "8080" // default port
	}
	serverPort, err := strconv.Atoi(serverPortStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	cfg.Server.Port = serverPort

	// Logging configuration
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info" // default level
	}
	cfg.Logging.Level = logLevel

	// CORS configuration
	corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
	if corsOrigins == "" {
		cfg.CORS.AllowedOrigins = []string{"*"}
	} else {
		origins := strings.Split(corsOrigins, ",")
		cfg.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, origin)
			}
		}
		if len(cfg.CORS.AllowedOrigins) == 0 {
			cfg.CORS.AllowedOrigins = []string{"*"}
		}
	}

	// API Key configuration (optional, for service-to-service authentication)
	cfg.APIKey = os.Getenv("API_KEY")

	// Twilio configuration
	cfg.Twilio.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.Twilio.PhoneNumber = os.Getenv("TWILIO_PHONE_NUMBER")
	cfg.Twilio.WorkspaceSID = os.Getenv("TWILIO_WORKSPACE_SID")

	// Task automation configuration
	cfg.Tasks.AutoEnabled = os.Getenv("TASKS_AUTO_ENABLED") != "false"

	pollIntervalMs, err := envInt("TASKS_AUTO_POLL_INTERVAL_MS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.Tasks.PollInterval = time.Duration(pollIntervalMs) * time.Millisecond

	cfg.Tasks.BatchSize, err = envInt("TASKS_AUTO_BATCH_SIZE", 100)
	if err != nil {
		return nil, err
	}

	source := os.Getenv("TASKS_AUTO_SOURCE")
	if source == "" {
		source = SourceAuto
	}
	if source != SourceInternal && source != SourceFlex && source != SourceAuto {
		return nil, fmt.Errorf("invalid TASKS_AUTO_SOURCE: %s", source)
	}
	cfg.Tasks.Source = source

	cfg.Tasks.FlexPollLimit, err = envInt("TASKS_FLEX_POLL_LIMIT", 50)
	if err != nil {
		return nil, err
	}

	cfg.Tasks.FlexCloseConversation = os.Getenv("TASKS_FLEX_CLOSE_CONVERSATION") != "false"
	cfg.Tasks.FlexCompleteTask = os.Getenv("TASKS_FLEX_COMPLETE_TASK") != "false"

	automationAuthor := os.Getenv("TASKS_AUTOMATION_AUTHOR")
	if automationAuthor == "" {
		automationAuthor = "System"
	}
	cfg.Tasks.AutomationAuthor = automationAuthor

	cfg.Tasks.RetentionDays, err = envInt("TASKS_RETENTION_DAYS", 90)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// DSN builds the MySQL connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
	)
}

// envInt reads an integer environment variable with a default
func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
