package internal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`

		// 連線建立的重試預算：第 n 次重試前等待 min(BackoffBase*2^n, MaxBackoff)
		ConnectRetries int           `yaml:"connect_retries"`
		BackoffBase    time.Duration `yaml:"backoff_base"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		RetryCooldown  time.Duration `yaml:"retry_cooldown"` // 0 表示每次都重新嘗試
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		SSLMode  string `yaml:"sslmode"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Counter struct {
		KeyTTL            time.Duration `yaml:"key_ttl"`
		FlushInterval     time.Duration `yaml:"flush_interval"`
		FlushTimeout      time.Duration `yaml:"flush_timeout"`
		BacklogMaxEntries int           `yaml:"backlog_max_entries"`
		ScanPageSize      int64         `yaml:"scan_page_size"`
		SpillPath         string        `yaml:"spill_path"` // 空字串表示不落盤
	} `yaml:"counter"`

	Reconcile struct {
		Interval    time.Duration `yaml:"interval"`
		PassTimeout time.Duration `yaml:"pass_timeout"`
	} `yaml:"reconcile"`

	Auth struct {
		// token -> principal ID
		Tokens map[string]string `yaml:"tokens"`
	} `yaml:"auth"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
		TimeZone  string `yaml:"time_zone"`
	} `yaml:"log"`
}

// LoadConfig 載入配置檔案，套用環境變數覆蓋與預設值
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - path 來自命令列參數，非使用者請求輸入
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}

// ApplyEnv 以環境變數覆蓋配置（容器部署常用）
//
//	REDIS_ADDR              host:port
//	REDIS_KEY_TTL           秒
//	REDIS_UPDATE_INTERVAL   對帳間隔，秒
//	REDIS_CONNECTION_RETRY  連線重試次數
//	DATABASE_URL            見 PostgresDSN
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}

	seconds := func(name string, dst *time.Duration) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("env %s: invalid seconds %q", name, v)
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}

	if err := seconds("REDIS_KEY_TTL", &c.Counter.KeyTTL); err != nil {
		return err
	}
	if err := seconds("REDIS_UPDATE_INTERVAL", &c.Reconcile.Interval); err != nil {
		return err
	}

	if v := os.Getenv("REDIS_CONNECTION_RETRY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("env REDIS_CONNECTION_RETRY: invalid count %q", v)
		}
		c.Redis.ConnectRetries = n
	}

	return nil
}

// ApplyDefaults 填入未設定欄位的預設值
func (c *Config) ApplyDefaults() {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setInt := func(n *int, def int) {
		if *n <= 0 {
			*n = def
		}
	}

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 5*time.Second)
	setDuration(&c.Server.WriteTimeout, 10*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	setInt(&c.Redis.PoolSize, 10)
	setDuration(&c.Redis.DialTimeout, 5*time.Second)
	setDuration(&c.Redis.ReadTimeout, 3*time.Second)
	setDuration(&c.Redis.WriteTimeout, 3*time.Second)
	setInt(&c.Redis.ConnectRetries, 5)
	setDuration(&c.Redis.BackoffBase, time.Second)
	setDuration(&c.Redis.MaxBackoff, 30*time.Second)

	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	setInt(&c.Postgres.Port, 5432)
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxConns <= 0 {
		c.Postgres.MaxConns = 10
	}

	setDuration(&c.Counter.KeyTTL, 24*time.Hour)
	setDuration(&c.Counter.FlushInterval, 30*time.Second)
	setDuration(&c.Counter.FlushTimeout, 10*time.Second)
	setInt(&c.Counter.BacklogMaxEntries, 100000)
	if c.Counter.ScanPageSize <= 0 {
		c.Counter.ScanPageSize = 100
	}

	setDuration(&c.Reconcile.Interval, 60*time.Second)
	setDuration(&c.Reconcile.PassTimeout, 30*time.Second)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate 檢查配置的一致性
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Redis.Addr); err != nil {
		errs = append(errs, fmt.Errorf("redis.addr: %w", err))
	}
	if c.Redis.MaxBackoff < c.Redis.BackoffBase {
		errs = append(errs, errors.New("redis.max_backoff must be >= redis.backoff_base"))
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		errs = append(errs, errors.New("postgres.min_conns must be <= postgres.max_conns"))
	}
	if c.Counter.KeyTTL < time.Second {
		errs = append(errs, errors.New("counter.key_ttl must be at least 1s"))
	}
	if c.Reconcile.Interval < time.Second {
		errs = append(errs, errors.New("reconcile.interval must be at least 1s"))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線 URL（pgx 與 golang-migrate 共用）
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: url.Values{"sslmode": []string{c.Postgres.SSLMode}}.Encode(),
	}
	return u.String()
}
