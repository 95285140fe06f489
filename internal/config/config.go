package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FailurePolicy decides what an admission check answers when the cache or
// store behind it cannot be reached.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
	// FailLocal falls back to an in-process limiter (rate limiting only).
	FailLocal FailurePolicy = "local"
)

const (
	BlockStorePostgres = "postgres"
	BlockStoreScylla   = "scylla"
	// BlockStoreMemory keeps the ledger in process; single-instance development only.
	BlockStoreMemory = "memory"

	SMSProviderHTTP = "http"
	SMSProviderLog  = "log"
)

type Config struct {
	Environment string
	// TenantCode scopes every counter, block and challenge this process touches.
	TenantCode string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Postgres      PostgresConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	RateLimit     RateLimitConfig
	IPBlock       IPBlockConfig
	OTP           OTPConfig
	SMS           SMSConfig
	Audit         AuditConfig
	Admin         AdminConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
	// TrustedProxies lists the CIDRs (or bare addresses) whose forwarding
	// headers are honoured. Empty means the TCP peer is always the client.
	TrustedProxies []string
}

// TrustedProxyPrefixes parses TrustedProxies.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	OpTimeout       time.Duration
	AutoMigrate     bool
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
	NumConns int
}

type KafkaConfig struct {
	Enabled             bool
	Brokers             []string
	SecurityEventsTopic string
}

type ElasticsearchConfig struct {
	Enabled             bool
	URLs                []string
	Username            string
	Password            string
	SecurityEventsIndex string
}

type ClickhouseConfig struct {
	Enabled             bool
	URL                 string
	Database            string
	Username            string
	Password            string
	SecurityEventsTable string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers lists secret peppers newest first; every instance must share them.
	Peppers []string
}

type BucketingConfig struct {
	// LedgerBuckets is the number of Scylla partitions per tenant for block history.
	LedgerBuckets int
}

type RateLimitConfig struct {
	RequestLimit  int
	RequestWindow time.Duration
	FailurePolicy FailurePolicy
}

type IPBlockConfig struct {
	Store             string
	CacheTTL          time.Duration
	FailurePolicy     FailurePolicy
	ReconcileInterval time.Duration
	RetentionPeriod   time.Duration
	RetentionInterval time.Duration
}

type OTPConfig struct {
	Digits            int
	Validity          time.Duration
	IssueLimit        int
	IssueWindow       time.Duration
	VerifiedTTL       time.Duration
	MaxVerifyAttempts int
	PhonePattern      string
	DisplayName       string
}

type SMSConfig struct {
	Provider string
	URL      string
	APIKey   string
	Sender   string
	Timeout  time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type AdminConfig struct {
	JWTSecret string
	Issuer    string
}

// LoadConfig reads .env (when present) and then the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		TenantCode:  getEnv("TENANT_CODE", "default"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("SERVER_CERT_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			AllowedOrigins: getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			TrustedProxies: getEnvSlice("TRUSTED_PROXIES", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 50),
			OpTimeout: getEnvDuration("REDIS_OP_TIMEOUT", 500*time.Millisecond),
		},
		Postgres: PostgresConfig{
			DSN:             getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=admission port=5432 sslmode=disable"),
			MaxOpenConns:    getEnvInt("POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("POSTGRES_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
			OpTimeout:       getEnvDuration("DB_OP_TIMEOUT", 2*time.Second),
			AutoMigrate:     getEnvBool("POSTGRES_AUTO_MIGRATE", true),
		},
		Scylla: ScyllaConfig{
			Hosts:    getEnvSlice("SCYLLA_HOSTS", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "admission"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			Timeout:  getEnvDuration("SCYLLA_TIMEOUT", 10*time.Second),
			NumConns: getEnvInt("SCYLLA_NUM_CONNS", 2),
		},
		Kafka: KafkaConfig{
			Enabled:             getEnvBool("KAFKA_ENABLED", false),
			Brokers:             getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			SecurityEventsTopic: getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:             getEnvBool("ELASTICSEARCH_ENABLED", false),
			URLs:                getEnvSlice("ELASTICSEARCH_URLS", []string{"http://localhost:9200"}),
			Username:            getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:            getEnv("ELASTICSEARCH_PASSWORD", ""),
			SecurityEventsIndex: getEnv("ELASTICSEARCH_SECURITY_EVENTS_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:             getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:                 getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Database:            getEnv("CLICKHOUSE_DATABASE", "admission"),
			Username:            getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:            getEnv("CLICKHOUSE_PASSWORD", ""),
			SecurityEventsTable: getEnv("CLICKHOUSE_SECURITY_EVENTS_TABLE", "security_events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			Region:  getEnv("KMS_REGION", "ap-northeast-2"),
			KeyID:   getEnv("KMS_KEY_ID", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Peppers:           getEnvSlice("HASHING_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			LedgerBuckets: getEnvInt("LEDGER_BUCKETS", 16),
		},
		RateLimit: RateLimitConfig{
			RequestLimit:  getEnvInt("RATE_LIMIT_REQUEST_LIMIT", 120),
			RequestWindow: getEnvDuration("RATE_LIMIT_REQUEST_WINDOW", time.Minute),
			FailurePolicy: FailurePolicy(getEnv("RATE_LIMIT_FAILURE_POLICY", string(FailOpen))),
		},
		IPBlock: IPBlockConfig{
			Store:             getEnv("IPBLOCK_STORE", BlockStorePostgres),
			CacheTTL:          getEnvDuration("IPBLOCK_CACHE_TTL", 5*time.Minute),
			FailurePolicy:     FailurePolicy(getEnv("IPBLOCK_FAILURE_POLICY", string(FailOpen))),
			ReconcileInterval: getEnvDuration("IPBLOCK_RECONCILE_INTERVAL", time.Minute),
			RetentionPeriod:   getEnvDuration("IPBLOCK_RETENTION_PERIOD", 90*24*time.Hour),
			RetentionInterval: getEnvDuration("IPBLOCK_RETENTION_INTERVAL", 24*time.Hour),
		},
		OTP: OTPConfig{
			Digits:            getEnvInt("OTP_DIGITS", 6),
			Validity:          getEnvDuration("OTP_VALIDITY", 10*time.Minute),
			IssueLimit:        getEnvInt("OTP_ISSUE_LIMIT", 10),
			IssueWindow:       getEnvDuration("OTP_ISSUE_WINDOW", time.Hour),
			VerifiedTTL:       getEnvDuration("OTP_VERIFIED_TTL", 10*time.Minute),
			MaxVerifyAttempts: getEnvInt("OTP_MAX_VERIFY_ATTEMPTS", 5),
			PhonePattern:      getEnv("OTP_PHONE_PATTERN", `^01[016789][0-9]{7,8}$`),
			DisplayName:       getEnv("OTP_DISPLAY_NAME", "Admission"),
		},
		SMS: SMSConfig{
			Provider: getEnv("SMS_PROVIDER", SMSProviderLog),
			URL:      getEnv("SMS_GATEWAY_URL", ""),
			APIKey:   getEnv("SMS_API_KEY", ""),
			Sender:   getEnv("SMS_SENDER", ""),
			Timeout:  getEnvDuration("SMS_TIMEOUT", 5*time.Second),
		},
		Audit: AuditConfig{
			Enabled:    getEnvBool("AUDIT_ENABLED", true),
			BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 1024),
			DropIfFull: getEnvBool("AUDIT_DROP_IF_FULL", true),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			Issuer:    getEnv("ADMIN_JWT_ISSUER", "admission-service"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.TenantCode) == "" {
		errs = append(errs, errors.New("TENANT_CODE is required"))
	}
	if c.RateLimit.RequestLimit <= 0 || c.RateLimit.RequestWindow <= 0 {
		errs = append(errs, errors.New("rate limit request limit and window must be positive"))
	}
	switch c.RateLimit.FailurePolicy {
	case FailOpen, FailClosed, FailLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_FAILURE_POLICY %q", c.RateLimit.FailurePolicy))
	}
	switch c.IPBlock.FailurePolicy {
	case FailOpen, FailClosed:
	default:
		errs = append(errs, fmt.Errorf("unknown IPBLOCK_FAILURE_POLICY %q", c.IPBlock.FailurePolicy))
	}
	switch c.IPBlock.Store {
	case BlockStorePostgres, BlockStoreScylla:
	case BlockStoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("IPBLOCK_STORE=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IPBLOCK_STORE %q", c.IPBlock.Store))
	}
	if c.IPBlock.CacheTTL <= 0 {
		errs = append(errs, errors.New("IPBLOCK_CACHE_TTL must be positive"))
	}
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		errs = append(errs, fmt.Errorf("OTP_DIGITS must be between 4 and 10, got %d", c.OTP.Digits))
	}
	if c.OTP.Validity <= 0 || c.OTP.IssueLimit <= 0 || c.OTP.IssueWindow <= 0 {
		errs = append(errs, errors.New("otp validity, issue limit and issue window must be positive"))
	}
	if c.OTP.MaxVerifyAttempts < 0 {
		errs = append(errs, errors.New("OTP_MAX_VERIFY_ATTEMPTS cannot be negative"))
	}
	switch c.SMS.Provider {
	case SMSProviderLog:
		if c.IsProduction() {
			errs = append(errs, errors.New("SMS_PROVIDER=log is not allowed in production"))
		}
	case SMSProviderHTTP:
		if c.SMS.URL == "" {
			errs = append(errs, errors.New("SMS_GATEWAY_URL is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SMS_PROVIDER %q", c.SMS.Provider))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	if c.IsProduction() && len(c.Hashing.Peppers) == 0 {
		errs = append(errs, errors.New("HASHING_PEPPERS is required in production"))
	}
	if c.IsProduction() && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET must be at least 32 bytes in production"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// ==============================
// Env helpers
// ==============================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
