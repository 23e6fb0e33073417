package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации шлюза трат и консоли.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Console  ServerConfig   `mapstructure:"console"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, nonce и выданные требования).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам.
// Публичный ключ проверяет токены консоли, приватный подписывает квитанции об оплате.
type AuthConfig struct {
	PublicKeyPath   string        `mapstructure:"public_key_path"`
	PrivateKeyPath  string        `mapstructure:"private_key_path"`
	ReceiptTTL      time.Duration `mapstructure:"receipt_ttl"`
	ConsoleIssuer   string        `mapstructure:"console_issuer"`   // пусто - iss не сверяется
	ConsoleAudience string        `mapstructure:"console_audience"` // пусто - aud не сверяется
	PublicKey       []byte
	PrivateKey      []byte
}

// EngineConfig - настройки движка решений и журнала аудита.
type EngineConfig struct {
	AuditBufferSize     int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval  time.Duration `mapstructure:"audit_flush_interval"`
	Timezone            string        `mapstructure:"timezone"` // для временных окон и границ периодов
	RuleRefreshInterval time.Duration `mapstructure:"rule_refresh_interval"`
}

// PaymentConfig - параметры x402: сеть, актив, получатель, окно действия требования.
type PaymentConfig struct {
	NetworkID             string            `mapstructure:"network_id"`
	AssetID               string            `mapstructure:"asset_id"`
	PayTo                 string            `mapstructure:"pay_to"`
	FacilitatorURL        string            `mapstructure:"facilitator_url"`
	ExpiryWindow          time.Duration     `mapstructure:"expiry_window"`
	NonceTTL              time.Duration     `mapstructure:"nonce_ttl"`
	NonceBackend          string            `mapstructure:"nonce_backend"` // postgres | redis | memory
	FacilitatorSecretHash string            `mapstructure:"facilitator_secret_hash"`
	Prices                map[string]uint64 `mapstructure:"prices"`
	DefaultPrice          uint64            `mapstructure:"default_price"`
	SellerID              string            `mapstructure:"seller_id"`
}

// ChainConfig - RPC блокчейна и защита от его деградации.
type ChainConfig struct {
	Mode           string        `mapstructure:"mode"` // rpc | mock
	RPCURL         string        `mapstructure:"rpc_url"`
	Commitment     string        `mapstructure:"commitment"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	RetryAttempts  uint          `mapstructure:"retry_attempts"`

	// Настройки Circuit Breaker для RPC
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. Переменные окружения: PAYMENT_PAY_TO перекроет payment.pay_to
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// PEM может прийти напрямую через ENV (Docker/K8s), иначе читаем файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет обязательные параметры оплаты.
func (c *Config) Validate() error {
	if c.Payment.ExpiryWindow <= 0 {
		return errors.New("config: payment.expiry_window must be positive")
	}
	switch c.Payment.NonceBackend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown payment.nonce_backend %q", c.Payment.NonceBackend)
	}
	switch c.Chain.Mode {
	case "rpc", "mock":
	default:
		return fmt.Errorf("config: unknown chain.mode %q", c.Chain.Mode)
	}
	if c.Chain.Mode == "rpc" && c.Chain.RPCURL == "" {
		return errors.New("config: chain.rpc_url is required in rpc mode")
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("config: engine.timezone: %w", err)
	}
	return nil
}

// Location - зона, в которой считаются временные окна и периоды бюджета.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PriceFor - цена услуги в минимальных единицах актива.
func (c *PaymentConfig) PriceFor(service string) uint64 {
	if p, ok := c.Prices[strings.ToLower(service)]; ok {
		return p
	}
	return c.DefaultPrice
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.receipt_ttl", 24*time.Hour)
	v.SetDefault("auth.console_issuer", "")
	v.SetDefault("auth.console_audience", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.timezone", "UTC")
	v.SetDefault("engine.rule_refresh_interval", time.Minute)

	v.SetDefault("payment.network_id", "solana:devnet")
	v.SetDefault("payment.facilitator_url", "http://localhost:8080/v1/facilitator")
	v.SetDefault("payment.expiry_window", 60*time.Second)
	v.SetDefault("payment.nonce_ttl", time.Hour)
	v.SetDefault("payment.nonce_backend", "postgres")
	v.SetDefault("payment.default_price", 100000)
	v.SetDefault("payment.prices", map[string]uint64{
		"scrape":        100000,
		"data-analysis": 200000,
	})

	v.SetDefault("chain.mode", "rpc")
	v.SetDefault("chain.rpc_url", "https://api.devnet.solana.com")
	v.SetDefault("chain.commitment", "confirmed")
	v.SetDefault("chain.request_timeout", 10*time.Second)
	v.SetDefault("chain.rate_limit", 10)
	v.SetDefault("chain.rate_burst", 20)
	v.SetDefault("chain.retry_attempts", 3)
	v.SetDefault("chain.cb_max_requests", 3)
	v.SetDefault("chain.cb_interval", 30*time.Second)
	v.SetDefault("chain.cb_timeout", 15*time.Second)
	v.SetDefault("chain.cb_failures", 5)
}

// loadKeyResource: ключ из ENV приоритетнее файла
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
