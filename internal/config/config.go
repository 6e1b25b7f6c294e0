// Package config loads the §6 configuration keys, generalizing the
// teacher's NewValuesStoreOpts(envPrefix) env-var-with-default pattern to
// viper's equivalent default-then-override model.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flexdeviser/e4s-index-system/internal/engine"
)

// Config is the full set of recognized options from spec.md §6.
type Config struct {
	Engine engine.Config

	PersistenceSchema    string
	PersistenceBatchSize int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	PostgresDSN string

	HTTPAddr string
}

// Load reads configuration from (in increasing priority) built-in defaults,
// a config file at configPath (if non-empty and present), and environment
// variables prefixed INDEX_ (e.g. INDEX_INDEX_CACHE_MAX_SIZE).
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	cfg := Config{
		Engine: engine.Config{
			CacheMaxSize:       v.GetInt("index.cache.max-size"),
			PersistenceEnabled: v.GetBool("index.persistence.enabled"),
			FlushIntervalMs:    v.GetInt64("index.persistence.flush-interval-ms"),
			AsyncWrite:         v.GetBool("index.persistence.async-write"),
		},
		PersistenceSchema:    v.GetString("index.persistence.schema"),
		PersistenceBatchSize: v.GetInt("index.persistence.batch-size"),
		RedisAddr:            v.GetString("index.redis.addr"),
		RedisPassword:        v.GetString("index.redis.password"),
		RedisDB:              v.GetInt("index.redis.db"),
		RedisTimeout:         v.GetDuration("index.redis.timeout"),
		PostgresDSN:          v.GetString("index.postgres.dsn"),
		HTTPAddr:             v.GetString("index.http.addr"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index.cache.max-size", 100_000)
	v.SetDefault("index.persistence.enabled", false)
	v.SetDefault("index.persistence.schema", "e4s_index")
	v.SetDefault("index.persistence.batch-size", 1000)
	v.SetDefault("index.persistence.async-write", true)
	v.SetDefault("index.persistence.flush-interval-ms", 100)
	v.SetDefault("index.redis.addr", "localhost:6379")
	v.SetDefault("index.redis.db", 0)
	v.SetDefault("index.redis.timeout", 2*time.Second)
	v.SetDefault("index.http.addr", ":8080")
}
