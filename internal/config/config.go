package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"coinarb/pkg/crypto"
	"coinarb/pkg/utils"
)

// Config содержит процессную конфигурацию из окружения.
// Торговые параметры (биржи, маршруты, курсы) - в Trading, файл TRADING_CONFIG.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Engine   EngineConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string

	CORSOrigins    string // дополнительные origins для API
	AllowedOrigins string // origins для /ws/stream; пусто - любые
}

// DatabaseConfig - настройки журнала сделок.
// Пустой DB_HOST отключает журнал.
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Enabled - журнал включён
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey string // 32 байта; расшифровка секретов "enc:" в TRADING_CONFIG
	APITokenHash  string // bcrypt-хеш bearer-токена ops API; пусто - без аутентификации
}

// EngineConfig - параметры торгового ядра
type EngineConfig struct {
	TradingConfig string        // путь к YAML с биржами и маршрутами
	Debug         bool          // синтетическое исполнение ордеров
	StaleRate     time.Duration // курс старше - стакан отбрасывается
	ShutdownWait  time.Duration // ожидание остановки агентов

	NotificationRetention time.Duration // срок хранения оповещений в журнале
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
}

// LogConfig преобразует настройки в utils.LogConfig
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		Compress:   true,
	}
}

// LoadEnvFiles загружает .env файлы; отсутствующие файлы пропускаются.
// Уже заданные переменные окружения не перезаписываются.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:       getEnvAsBool("USE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
			CORSOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
			AllowedOrigins: getEnv("ALLOWED_ORIGINS", ""),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", ""),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "coinarb"),
			User:            getEnv("DB_USER", "coinarb"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
			APITokenHash:  getEnv("API_TOKEN_HASH", ""),
		},
		Engine: EngineConfig{
			TradingConfig: getEnv("TRADING_CONFIG", "config/trading.yaml"),
			Debug:         getEnvAsBool("DEBUG", false),
			StaleRate:     getEnvAsDuration("FX_STALE_AFTER", 30*time.Second),
			ShutdownWait:  getEnvAsDuration("SHUTDOWN_WAIT", 30*time.Second),

			NotificationRetention: getEnvAsDuration("NOTIFICATION_RETENTION", 30*24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
		},
	}

	// Валидация параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY необязателен, но если задан - ровно 32 байта для AES-256
	if c.Security.EncryptionKey != "" && len(c.Security.EncryptionKey) != crypto.KeySize {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly %d bytes for AES-256", crypto.KeySize)
	}

	if h := c.Security.APITokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash")
	}

	if c.Server.UseHTTPS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("CERT_FILE and KEY_FILE are required when USE_HTTPS is set")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}

	if c.Database.MaxIdleConns < 0 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS, got %d", c.Database.MaxIdleConns)
	}

	// Таймауты должны быть положительными
	if c.Engine.StaleRate <= 0 {
		return fmt.Errorf("FX_STALE_AFTER must be positive, got %v", c.Engine.StaleRate)
	}

	if c.Engine.ShutdownWait <= 0 {
		return fmt.Errorf("SHUTDOWN_WAIT must be positive, got %v", c.Engine.ShutdownWait)
	}

	if c.Engine.NotificationRetention <= 0 {
		return fmt.Errorf("NOTIFICATION_RETENTION must be positive, got %v", c.Engine.NotificationRetention)
	}

	if c.Engine.TradingConfig == "" {
		return fmt.Errorf("TRADING_CONFIG is required")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
