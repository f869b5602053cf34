package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	DBAutoMigrate    bool
	AuditEnabled     bool

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr    string
	AsynqRedisPass    string
	AsynqRedisDB      int
	AsynqQueue        string
	AsynqConcurrency  int
	AsynqEnabled      bool
	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	SyncReplayWindowSec  int
	SyncReplayWindow     time.Duration
	SyncMaxBatchEvents   int
	SyncPullDefaultLimit int
	SyncPullMaxLimit     int
	SyncMaxBodyBytes     int
	SyncEventsTopic      string
	SyncConflictsTopic   string
	BranchCacheTTLSec    int
	RegisterLockSec      int
	DeviceRateLimitRPS   float64
	DeviceRateLimitBurst int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

type bindingKind int

const (
	kindString bindingKind = iota
	kindInt
	kindBool
	kindFloat
	kindList
)

// binding ties one configuration key to the field it fills. The same table
// drives the JSON file and the environment overlay.
type binding struct {
	key  string
	kind bindingKind
	str  *string
	num  *int
	flag *bool
	flt  *float64
	list *[]string
}

func (cfg *Config) bindings() []binding {
	s := func(key string, p *string) binding { return binding{key: key, kind: kindString, str: p} }
	i := func(key string, p *int) binding { return binding{key: key, kind: kindInt, num: p} }
	b := func(key string, p *bool) binding { return binding{key: key, kind: kindBool, flag: p} }
	f := func(key string, p *float64) binding { return binding{key: key, kind: kindFloat, flt: p} }
	l := func(key string, p *[]string) binding { return binding{key: key, kind: kindList, list: p} }

	return []binding{
		s("SERVICE_NAME", &cfg.ServiceName),
		i("HTTP_PORT", &cfg.HTTPPort),
		s("LOG_LEVEL", &cfg.LogLevel),
		i("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS),
		s("OIDC_ISSUER", &cfg.OIDCIssuer),
		s("OIDC_AUDIENCE", &cfg.OIDCAudience),
		s("OIDC_JWKS_URL", &cfg.OIDCJWKSURL),
		i("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds),
		i("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec),
		s("DATABASE_URL", &cfg.DatabaseURL),
		i("DB_MAX_CONNS", &cfg.DBMaxConns),
		i("DB_MIN_CONNS", &cfg.DBMinConns),
		i("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec),
		i("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec),
		b("DB_AUTO_MIGRATE", &cfg.DBAutoMigrate),
		b("AUDIT_ENABLED", &cfg.AuditEnabled),
		l("KAFKA_BROKERS", &cfg.KafkaBrokers),
		s("KAFKA_CLIENT_ID", &cfg.KafkaClientID),
		s("KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID),
		i("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax),
		i("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS),
		s("REDIS_ADDR", &cfg.RedisAddr),
		s("REDIS_PASSWORD", &cfg.RedisPassword),
		i("REDIS_DB", &cfg.RedisDB),
		s("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr),
		s("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass),
		i("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB),
		s("ASYNQ_QUEUE", &cfg.AsynqQueue),
		i("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency),
		b("ASYNQ_ENABLED", &cfg.AsynqEnabled),
		i("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec),
		i("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize),
		i("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts),
		s("INFLUX_URL", &cfg.InfluxURL),
		s("INFLUX_TOKEN", &cfg.InfluxToken),
		s("INFLUX_ORG", &cfg.InfluxOrg),
		s("INFLUX_BUCKET", &cfg.InfluxBucket),
		i("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS),
		i("SYNC_REPLAY_WINDOW_SECONDS", &cfg.SyncReplayWindowSec),
		i("SYNC_MAX_BATCH_EVENTS", &cfg.SyncMaxBatchEvents),
		i("SYNC_PULL_DEFAULT_LIMIT", &cfg.SyncPullDefaultLimit),
		i("SYNC_PULL_MAX_LIMIT", &cfg.SyncPullMaxLimit),
		i("SYNC_MAX_BODY_BYTES", &cfg.SyncMaxBodyBytes),
		s("SYNC_EVENTS_TOPIC", &cfg.SyncEventsTopic),
		s("SYNC_CONFLICTS_TOPIC", &cfg.SyncConflictsTopic),
		i("BRANCH_SETTINGS_CACHE_TTL_SECONDS", &cfg.BranchCacheTTLSec),
		i("DEVICE_REGISTER_LOCK_SECONDS", &cfg.RegisterLockSec),
		f("DEVICE_RATE_LIMIT_RPS", &cfg.DeviceRateLimitRPS),
		i("DEVICE_RATE_LIMIT_BURST", &cfg.DeviceRateLimitBurst),
		b("OTEL_ENABLED", &cfg.OtelEnabled),
		s("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint),
		b("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure),
		f("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio),
	}
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:          serviceName,
		HTTPPort:             httpPort,
		LogLevel:             "info",
		RequestTimeoutMS:     30000,
		JWKSTTLSeconds:       300,
		JWTClockSkewSec:      60,
		DBMaxConns:           10,
		DBMinConns:           1,
		DBConnMaxIdleSec:     300,
		DBConnMaxLifeSec:     1800,
		KafkaRetryMax:        5,
		KafkaWriteMS:         5000,
		AsynqQueue:           "default",
		AsynqConcurrency:     10,
		OutboxScanSec:        5,
		OutboxBatchSize:      50,
		OutboxMaxAttempts:    20,
		InfluxTimeoutMS:      5000,
		SyncReplayWindowSec:  600,
		SyncMaxBatchEvents:   100,
		SyncPullDefaultLimit: 500,
		SyncPullMaxLimit:     1000,
		SyncMaxBodyBytes:     4 << 20,
		SyncEventsTopic:      "sync.events",
		SyncConflictsTopic:   "sync.conflicts",
		BranchCacheTTLSec:    60,
		RegisterLockSec:      10,
		DeviceRateLimitRPS:   5,
		DeviceRateLimitBurst: 20,
		OtelInsecure:         true,
		OtelSampleRatio:      1.0,
	}
}

// Load reads an optional .env file, then the JSON config file selected by
// ENV or CONFIG_PATH, then the process environment. Later sources win.
// Problems are returned instead of failing so /readyz can report them.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	problems := make([]Problem, 0, 4)
	loadDotEnv(&problems)

	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
			if cfg.Env == "" {
				cfg.Env = strings.TrimSpace(fileEnv)
			}
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, &problems, httpPortDefault)
	return cfg, problems
}

func validate(cfg *Config, problems *[]Problem, httpPortDefault int) {
	d := defaults(cfg.ServiceName, httpPortDefault)
	positive := func(field string, v *int, fallback int) {
		if *v <= 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
			*v = fallback
		}
	}
	nonNegative := func(field string, v *int, fallback int) {
		if *v < 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be >= 0"})
			*v = fallback
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, d.RequestTimeoutMS)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	positive("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, d.JWKSTTLSeconds)
	nonNegative("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, d.JWTClockSkewSec)
	positive("DB_MAX_CONNS", &cfg.DBMaxConns, d.DBMaxConns)
	nonNegative("DB_MIN_CONNS", &cfg.DBMinConns, d.DBMinConns)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, d.DBConnMaxIdleSec)
	positive("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, d.DBConnMaxLifeSec)
	nonNegative("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, d.KafkaRetryMax)
	positive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, d.KafkaWriteMS)
	nonNegative("REDIS_DB", &cfg.RedisDB, d.RedisDB)
	nonNegative("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, d.AsynqRedisDB)
	positive("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, d.AsynqConcurrency)
	positive("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, d.OutboxScanSec)
	positive("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, d.OutboxBatchSize)
	positive("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, d.OutboxMaxAttempts)
	positive("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, d.InfluxTimeoutMS)

	positive("SYNC_REPLAY_WINDOW_SECONDS", &cfg.SyncReplayWindowSec, d.SyncReplayWindowSec)
	cfg.SyncReplayWindow = time.Duration(cfg.SyncReplayWindowSec) * time.Second
	positive("SYNC_MAX_BATCH_EVENTS", &cfg.SyncMaxBatchEvents, d.SyncMaxBatchEvents)
	positive("SYNC_PULL_DEFAULT_LIMIT", &cfg.SyncPullDefaultLimit, d.SyncPullDefaultLimit)
	positive("SYNC_PULL_MAX_LIMIT", &cfg.SyncPullMaxLimit, d.SyncPullMaxLimit)
	if cfg.SyncPullDefaultLimit > cfg.SyncPullMaxLimit {
		*problems = append(*problems, Problem{Field: "SYNC_PULL_DEFAULT_LIMIT", Message: "SYNC_PULL_DEFAULT_LIMIT must be <= SYNC_PULL_MAX_LIMIT"})
		cfg.SyncPullDefaultLimit = cfg.SyncPullMaxLimit
	}
	positive("SYNC_MAX_BODY_BYTES", &cfg.SyncMaxBodyBytes, d.SyncMaxBodyBytes)
	positive("BRANCH_SETTINGS_CACHE_TTL_SECONDS", &cfg.BranchCacheTTLSec, d.BranchCacheTTLSec)
	positive("DEVICE_REGISTER_LOCK_SECONDS", &cfg.RegisterLockSec, d.RegisterLockSec)
	positive("DEVICE_RATE_LIMIT_BURST", &cfg.DeviceRateLimitBurst, d.DeviceRateLimitBurst)
	if cfg.DeviceRateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "DEVICE_RATE_LIMIT_RPS", Message: "DEVICE_RATE_LIMIT_RPS must be > 0"})
		cfg.DeviceRateLimitRPS = d.DeviceRateLimitRPS
	}
	if strings.TrimSpace(cfg.SyncEventsTopic) == "" {
		cfg.SyncEventsTopic = d.SyncEventsTopic
	}
	if strings.TrimSpace(cfg.SyncConflictsTopic) == "" {
		cfg.SyncConflictsTopic = d.SyncConflictsTopic
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

// loadDotEnv never overrides variables already present in the environment.
func loadDotEnv(problems *[]Problem) {
	path := strings.TrimSpace(os.Getenv("DOTENV_PATH"))
	explicit := path != ""
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			*problems = append(*problems, Problem{Field: "DOTENV_PATH", Message: fmt.Sprintf("failed to load env file: %v", err)})
		}
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	index := map[string]binding{}
	for _, b := range cfg.bindings() {
		index[b.key] = b
	}
	for k, v := range raw {
		b, ok := index[strings.ToUpper(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		switch b.kind {
		case kindString:
			if s, ok := v.(string); ok {
				*b.str = strings.TrimSpace(s)
			}
		case kindInt:
			n, ok := asInt(v)
			if !ok {
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be an integer"})
				continue
			}
			*b.num = n
		case kindBool:
			switch t := v.(type) {
			case bool:
				*b.flag = t
			case string:
				if parsed, ok := asBool(t); ok {
					*b.flag = parsed
				} else {
					*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a boolean"})
				}
			default:
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a boolean"})
			}
		case kindFloat:
			x, ok := asFloat(v)
			if !ok {
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a number"})
				continue
			}
			*b.flt = x
		case kindList:
			switch t := v.(type) {
			case string:
				*b.list = parseCSV(t)
			case []any:
				*b.list = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a list"})
			}
		}
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, b := range cfg.bindings() {
		v := strings.TrimSpace(os.Getenv(b.key))
		if v == "" && b.key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		switch b.kind {
		case kindString:
			*b.str = v
		case kindInt:
			n, err := strconv.Atoi(v)
			if err != nil {
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be an integer"})
				continue
			}
			*b.num = n
		case kindBool:
			parsed, ok := asBool(v)
			if !ok {
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a boolean"})
				continue
			}
			*b.flag = parsed
		case kindFloat:
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a number"})
				continue
			}
			*b.flt = x
		case kindList:
			*b.list = parseCSV(v)
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
