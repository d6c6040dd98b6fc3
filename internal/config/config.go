package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"crossarb/internal/models"
	"crossarb/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Security      SecurityConfig
	Venues        VenuesConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Archive       ArchiveConfig
	Notifications NotificationsConfig
	Bot           BotConfig
	Logging       LoggingConfig

	// Trading - параметры торгового ядра (CONFIG_FILE + env поверх)
	Trading models.TradingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	UseHTTPS        bool
	CertFile        string
	KeyFile         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // CORS и WebSocket; пусто = localhost для разработки
}

// DatabaseConfig - настройки подключения к БД
//
// Пустые URL и Host означают хранилище в памяти.
type DatabaseConfig struct {
	URL             string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// TradingSecretHash - bcrypt-хеш секрета live-торговли (X-Trading-Secret)
	TradingSecretHash string
	AuthRate          float64 // проверок секрета в секунду
	AuthBurst         float64
}

// VenueConfig - подключение к одной площадке
type VenueConfig struct {
	Name      string
	OrderURL  string  // REST шлюз ордеров; пусто = только paper
	TickerURL string  // REST тикер для перепроверки спреда
	APIKey    string
	Leverage  float64 // 0 = без оценки ликвидации
	RateLimit float64 // запросов в секунду
}

// VenuesConfig - площадки, ленты и paper-балансы
type VenuesConfig struct {
	Venues            []VenueConfig
	FeedURLs          []string
	Instruments       []string
	PaperBalanceUsd   float64
	MaintenanceMargin float64
}

// Names возвращает имена площадок
func (v VenuesConfig) Names() []string {
	out := make([]string, 0, len(v.Venues))
	for _, venue := range v.Venues {
		out = append(out, venue.Name)
	}
	return out
}

// RedisConfig - распределённый lock и cooldown; пустой Addr = в памяти процесса
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	Prefix     string
}

// Enabled сообщает, настроен ли redis
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// KafkaConfig - поток событий сделок; пустой Brokers = выключено
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	BufferSize int
}

// Enabled сообщает, настроен ли kafka
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// ArchiveConfig - выгрузка закрытых сделок в S3; пустой Bucket = выключено
type ArchiveConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
	Prefix         string
	Retention      time.Duration
	Interval       time.Duration
	BatchSize      int
}

// Enabled сообщает, настроен ли архив
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// NotificationsConfig - журнал уведомлений
type NotificationsConfig struct {
	DisabledTypes []string
	Keep          int           // сколько записей хранить; 0 = без очистки
	CleanupEvery  time.Duration // период очистки
}

// BotConfig - настройки процесса торгового ядра
type BotConfig struct {
	NumShards       int           // 0 = по числу CPU
	StatsUpdateFreq time.Duration // публикация статистики в WebSocket
	AutoStart       bool          // запуск движка при старте процесса
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Load загружает конфигурацию
//
// Порядок: .env (если есть), затем переменные окружения, затем торговые
// параметры из CONFIG_FILE (TOML) поверх значений по умолчанию и
// env-переопределения торговых параметров.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:        getEnvAsBool("USE_HTTPS", false),
			CertFile:        getEnv("CERT_FILE", ""),
			KeyFile:         getEnv("KEY_FILE", ""),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvAsSlice("ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", ""),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Name:            getEnv("DB_NAME", "crossarb"),
			User:            getEnv("DB_USER", "crossarb"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Security: SecurityConfig{
			TradingSecretHash: getEnv("TRADING_SECRET_HASH", ""),
			AuthRate:          getEnvAsFloat("AUTH_RATE", 1),
			AuthBurst:         getEnvAsFloat("AUTH_BURST", 5),
		},
		Venues: VenuesConfig{
			Venues:            loadVenues(getEnvAsSlice("VENUES", []string{"alpha", "beta"})),
			FeedURLs:          getEnvAsSlice("FEED_URLS", nil),
			Instruments:       getEnvAsSlice("INSTRUMENTS", nil),
			PaperBalanceUsd:   getEnvAsFloat("PAPER_BALANCE_USD", 10000),
			MaintenanceMargin: getEnvAsFloat("MAINTENANCE_MARGIN", 0.005),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvAsInt("REDIS_DB", 0),
			PoolSize:   getEnvAsInt("REDIS_POOL_SIZE", 10),
			MaxRetries: getEnvAsInt("REDIS_MAX_RETRIES", 3),
			TLSEnabled: getEnvAsBool("REDIS_TLS_ENABLED", false),
			Prefix:     getEnv("REDIS_PREFIX", "crossarb:"),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvAsSlice("KAFKA_BROKERS", nil),
			Topic:      getEnv("KAFKA_TOPIC", "crossarb.trades"),
			BufferSize: getEnvAsInt("KAFKA_BUFFER_SIZE", 1024),
		},
		Archive: ArchiveConfig{
			Endpoint:       getEnv("S3_ENDPOINT", ""),
			Region:         getEnv("S3_REGION", "us-east-1"),
			Bucket:         getEnv("S3_BUCKET", ""),
			AccessKey:      getEnv("S3_ACCESS_KEY", ""),
			SecretKey:      getEnv("S3_SECRET_KEY", ""),
			UseSSL:         getEnvAsBool("S3_USE_SSL", true),
			ForcePathStyle: getEnvAsBool("S3_FORCE_PATH_STYLE", false),
			Prefix:         getEnv("ARCHIVE_PREFIX", "archive/trades"),
			Retention:      getEnvAsDuration("ARCHIVE_RETENTION", 30*24*time.Hour),
			Interval:       getEnvAsDuration("ARCHIVE_INTERVAL", time.Hour),
			BatchSize:      getEnvAsInt("ARCHIVE_BATCH_SIZE", 500),
		},
		Notifications: NotificationsConfig{
			DisabledTypes: getEnvAsSlice("NOTIFICATIONS_DISABLED", nil),
			Keep:          getEnvAsInt("NOTIFICATIONS_KEEP", 10000),
			CleanupEvery:  getEnvAsDuration("NOTIFICATIONS_CLEANUP_INTERVAL", time.Hour),
		},
		Bot: BotConfig{
			NumShards:       getEnvAsInt("NUM_SHARDS", 0),
			StatsUpdateFreq: getEnvAsDuration("STATS_UPDATE_FREQ", 5*time.Second),
			AutoStart:       getEnvAsBool("AUTO_START", false),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", ""),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
		Trading: models.DefaultTradingConfig(),
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadTradingFile(path, &cfg.Trading); err != nil {
			return nil, err
		}
	}
	applyTradingOverrides(&cfg.Trading)

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadTradingFile читает TOML с секциями [risk], [detector], [execution],
// [scaled], [depth], [monitor], [exit]. Отсутствующие ключи сохраняют
// значения по умолчанию; неизвестные ключи - ошибка.
func loadTradingFile(path string, dst *models.TradingConfig) error {
	md, err := toml.DecodeFile(path, dst)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// applyTradingOverrides применяет env поверх торговых параметров
func applyTradingOverrides(t *models.TradingConfig) {
	setBool(&t.Risk.TradingEnabled, "TRADING_ENABLED")
	setBool(&t.Risk.PaperMode, "PAPER_MODE")
	setFloat(&t.Risk.MinSpread, "MIN_SPREAD")
	setFloat(&t.Risk.MaxSpread, "MAX_SPREAD")
	setInt64(&t.Risk.CooldownMs, "COOLDOWN_MS")
	setFloat(&t.Risk.MaxPerTradeUsd, "MAX_PER_TRADE_USD")
	setFloat(&t.Risk.MaxTotalExposureUsd, "MAX_TOTAL_EXPOSURE_USD")
	setFloat(&t.Risk.DefaultSizeUsd, "DEFAULT_SIZE_USD")
	setBool(&t.Detector.AutoExecute, "AUTO_EXECUTE")
	setBool(&t.Execution.VerifySpread, "VERIFY_SPREAD")
	setBool(&t.Execution.UseScaled, "USE_SCALED")
	setFloat(&t.Exit.StopLossSpread, "STOP_LOSS_SPREAD")
	setFloat(&t.Exit.TakeProfitSpread, "TAKE_PROFIT_SPREAD")
	setDuration(&t.Exit.MaxHoldTime, "MAX_HOLD_TIME")
}

// loadVenues собирает площадки из VENUE_<NAME>_* переменных
func loadVenues(names []string) []VenueConfig {
	out := make([]VenueConfig, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		prefix := "VENUE_" + strings.ToUpper(name) + "_"
		out = append(out, VenueConfig{
			Name:      name,
			OrderURL:  getEnv(prefix+"URL", ""),
			TickerURL: getEnv(prefix+"TICKER_URL", ""),
			APIKey:    getEnv(prefix+"API_KEY", ""),
			Leverage:  getEnvAsFloat(prefix+"LEVERAGE", 0),
			RateLimit: getEnvAsFloat(prefix+"RATE_LIMIT", 10),
		})
	}
	return out
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	hash := c.Security.TradingSecretHash

	// live-режим без хеша не может быть авторизован ни одним запросом
	if !c.Trading.Risk.PaperMode && hash == "" {
		return errors.New("TRADING_SECRET_HASH is required when PAPER_MODE=false")
	}

	if hash != "" && !crypto.IsValidHash(hash) {
		return errors.New("TRADING_SECRET_HASH must be a bcrypt hash")
	}

	for _, v := range c.Venues.Venues {
		if v.OrderURL != "" && v.APIKey == "" {
			return fmt.Errorf("VENUE_%s_API_KEY is required when VENUE_%s_URL is set",
				strings.ToUpper(v.Name), strings.ToUpper(v.Name))
		}
	}

	if c.Archive.Enabled() && (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
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

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %v", c.Server.ShutdownTimeout)
	}

	if len(c.Venues.Venues) < 2 {
		return fmt.Errorf("VENUES must list at least two venues, got %d", len(c.Venues.Venues))
	}

	if c.Venues.PaperBalanceUsd < 0 {
		return fmt.Errorf("PAPER_BALANCE_USD cannot be negative, got %v", c.Venues.PaperBalanceUsd)
	}

	if c.Venues.MaintenanceMargin < 0 || c.Venues.MaintenanceMargin >= 1 {
		return fmt.Errorf("MAINTENANCE_MARGIN must be in [0, 1), got %v", c.Venues.MaintenanceMargin)
	}

	for _, v := range c.Venues.Venues {
		if v.Leverage < 0 {
			return fmt.Errorf("VENUE_%s_LEVERAGE cannot be negative, got %v", strings.ToUpper(v.Name), v.Leverage)
		}
	}

	if c.Bot.NumShards < 0 {
		return fmt.Errorf("NUM_SHARDS cannot be negative, got %d", c.Bot.NumShards)
	}

	if c.Bot.StatsUpdateFreq <= 0 {
		return fmt.Errorf("STATS_UPDATE_FREQ must be positive, got %v", c.Bot.StatsUpdateFreq)
	}

	if c.Notifications.Keep < 0 {
		return fmt.Errorf("NOTIFICATIONS_KEEP cannot be negative, got %d", c.Notifications.Keep)
	}

	if c.Archive.Enabled() && c.Archive.Retention < time.Hour {
		return fmt.Errorf("ARCHIVE_RETENTION must be at least 1h, got %v", c.Archive.Retention)
	}

	if err := c.Trading.Validate(); err != nil {
		return fmt.Errorf("trading config: %w", err)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	if d.URL != "" {
		return "url=<redacted>"
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Enabled сообщает, настроена ли postgres
func (d DatabaseConfig) Enabled() bool {
	return d.URL != "" || d.Host != ""
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
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

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// set* меняют значение только если переменная задана и разбирается

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
