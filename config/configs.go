package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/GrainArc/RestRaster/Transformer"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// MainConfig 当前生效的配置，由 Load 填充
var MainConfig = Default()

// EnvPrefix 环境变量前缀，如 RESTRASTER_FETCH_RESOLUTION
const EnvPrefix = "RESTRASTER"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Transform TransformConfig `mapstructure:"transform"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // gin运行模式 debug/release/test
}

type HTTPConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	Retries             int           `mapstructure:"retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	UserAgent           string        `mapstructure:"user_agent"`
}

type FetchConfig struct {
	Resolution  int    `mapstructure:"resolution"`
	Fallbacks   []int  `mapstructure:"fallbacks"` // 降级分辨率阶梯
	SRS         int    `mapstructure:"srs"`
	Folder      string `mapstructure:"folder"`
	Prefix      string `mapstructure:"prefix"`
	ImageType   string `mapstructure:"image_type"`
	Concurrency int    `mapstructure:"concurrency"`
	WorldFile   bool   `mapstructure:"world_file"`
}

type TransformConfig struct {
	Caller Transformer.CallerCRS `mapstructure:"caller"`
}

type CacheConfig struct {
	Kind          string        `mapstructure:"kind"` // memory/redis/none
	TTL           time.Duration `mapstructure:"ttl"`
	MaxSize       int           `mapstructure:"max_size"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console/json
}

// Default 默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8426", Mode: "release"},
		HTTP: HTTPConfig{
			Timeout:             30 * time.Second,
			MaxIdleConnsPerHost: 20,
			RetryDelay:          500 * time.Millisecond,
			UserAgent:           "RestRaster/1.0",
		},
		Fetch: FetchConfig{
			Resolution:  1024,
			Fallbacks:   []int{1700, 1200},
			SRS:         3857,
			Folder:      "./downloads",
			Prefix:      "restRaster",
			ImageType:   "jpg",
			Concurrency: 1,
		},
		Transform: TransformConfig{Caller: Transformer.CallerCRS{Kind: "wgs84"}},
		Cache: CacheConfig{
			Kind:        "memory",
			TTL:         time.Hour,
			MaxSize:     1000,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "rest_raster:probe:",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./downloads/rest_raster.db",
			Host:   "localhost",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// setDefaults 注册默认值，未注册的键不会被环境变量覆盖
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)

	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.max_idle_conns_per_host", d.HTTP.MaxIdleConnsPerHost)
	v.SetDefault("http.retries", d.HTTP.Retries)
	v.SetDefault("http.retry_delay", d.HTTP.RetryDelay)
	v.SetDefault("http.user_agent", d.HTTP.UserAgent)

	v.SetDefault("fetch.resolution", d.Fetch.Resolution)
	v.SetDefault("fetch.fallbacks", d.Fetch.Fallbacks)
	v.SetDefault("fetch.srs", d.Fetch.SRS)
	v.SetDefault("fetch.folder", d.Fetch.Folder)
	v.SetDefault("fetch.prefix", d.Fetch.Prefix)
	v.SetDefault("fetch.image_type", d.Fetch.ImageType)
	v.SetDefault("fetch.concurrency", d.Fetch.Concurrency)
	v.SetDefault("fetch.world_file", d.Fetch.WorldFile)

	v.SetDefault("transform.caller.kind", d.Transform.Caller.Kind)
	v.SetDefault("transform.caller.anchor.lon", 0.0)
	v.SetDefault("transform.caller.anchor.lat", 0.0)
	v.SetDefault("transform.caller.anchor.scale", 1.0)

	v.SetDefault("cache.kind", d.Cache.Kind)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", d.Cache.RedisPrefix)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load 读取配置文件与环境变量，path为空时在当前目录及 ./configs 下查找 config.yaml。
// 成功后同时更新 MainConfig。
func Load(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	MainConfig = cfg
	return &cfg, nil
}

// loadEnvFile 存在 .env 时加载，已有环境变量不会被覆盖
func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	var errs []string

	if c.Fetch.Resolution <= 0 {
		errs = append(errs, "fetch.resolution must be positive")
	}
	for _, r := range c.Fetch.Fallbacks {
		if r <= 0 {
			errs = append(errs, "fetch.fallbacks must be positive")
			break
		}
	}
	if c.Fetch.Concurrency <= 0 {
		errs = append(errs, "fetch.concurrency must be positive")
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, "http.timeout must be positive")
	}
	if c.HTTP.Retries < 0 {
		errs = append(errs, "http.retries must not be negative")
	}
	switch c.Cache.Kind {
	case "memory", "redis", "none":
	default:
		errs = append(errs, fmt.Sprintf("cache.kind %q is not one of memory, redis, none", c.Cache.Kind))
	}
	if err := c.Database.validate(); err != nil {
		errs = append(errs, err.Error())
	}
	switch strings.ToLower(c.Transform.Caller.Kind) {
	case "", "wgs84", "epsg:4326":
	case "model":
		if c.Transform.Caller.Anchor.Scale <= 0 {
			errs = append(errs, "transform.caller.anchor.scale must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("transform.caller.kind %q is not supported", c.Transform.Caller.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
