package chartmeta

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Registry RegistryConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

func (sc ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", sc.Host, sc.Port)
}

type StorageConfig struct {
	// Backend is "sqlite" or "s3". Dataviews always live in SQLite.
	Backend    string
	SQLitePath string
	S3         S3Config
}

type RegistryConfig struct {
	Path string
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/chartmeta.db")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_prefix", "charts")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_access_key", "")
	v.SetDefault("storage.s3_secret_key", "")
	v.SetDefault("storage.s3_path_style", false)

	v.SetDefault("registry.path", "./charts.yaml")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig reads defaults, an optional chartmeta.yaml and CHARTMETA_*
// environment overrides, in increasing precedence. An explicit path must exist.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHARTMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
	} else {
		v.SetConfigName("chartmeta")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/chartmeta/")
		v.AddConfigPath("$HOME/.chartmeta/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Storage: StorageConfig{
			Backend:    strings.ToLower(v.GetString("storage.backend")),
			SQLitePath: v.GetString("storage.sqlite_path"),
			S3: S3Config{
				Bucket:    v.GetString("storage.s3_bucket"),
				Prefix:    v.GetString("storage.s3_prefix"),
				Region:    v.GetString("storage.s3_region"),
				Endpoint:  v.GetString("storage.s3_endpoint"),
				AccessKey: v.GetString("storage.s3_access_key"),
				SecretKey: v.GetString("storage.s3_secret_key"),
				PathStyle: v.GetBool("storage.s3_path_style"),
			},
		},
		Registry: RegistryConfig{
			Path: v.GetString("registry.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	switch cfg.Storage.Backend {
	case "sqlite":
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return nil, fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return cfg, nil
}
