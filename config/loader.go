package config

import (
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from environment variables, optionally
// overlaid with a config file named "sidecar" (yaml/json/toml) on the
// search path below. Environment variables take the prefix PERFSIDECAR_ and
// use underscores in place of dots (viper's AutomaticEnv convention).
func LoadConfig() *Config {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("PERFSIDECAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("sidecar")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			// A malformed config file is not fatal: fall back to
			// environment/defaults, matching the teacher's tolerant
			// env-var loader (a missing or bad value never blocked
			// startup there either).
			_ = err
		}
	}

	cfg.Server.Port = v.GetString("server.port")
	cfg.HTTPClient.MaxIdleConns = v.GetInt("httpclient.maxidleconns")
	cfg.HTTPClient.MaxIdleConnsPerHost = v.GetInt("httpclient.maxidleconnsperhost")
	cfg.HTTPClient.IdleConnTimeoutSeconds = v.GetInt("httpclient.idleconntimeoutseconds")
	cfg.HTTPClient.RequestTimeoutSeconds = v.GetInt("httpclient.requesttimeoutseconds")
	cfg.HTTPClient.StreamingTimeoutSeconds = v.GetInt("httpclient.streamingtimeoutseconds")
	cfg.HTTPClient.ReadTimeoutSeconds = v.GetInt("httpclient.readtimeoutseconds")
	cfg.Logging.IsDebugMode = v.GetBool("logging.isdebugmode")
	cfg.Store.DataDir = v.GetString("store.datadir")
	cfg.Store.MaxRecordsPerFile = v.GetInt("store.maxrecordsperfile")
	cfg.Store.FlushIntervalSecs = v.GetInt("store.flushintervalsecs")
	cfg.Store.FlushBatch = v.GetInt("store.flushbatch")
	cfg.Proxy.TimeoutSecs = v.GetInt("proxy.timeoutsecs")
	cfg.Proxy.MaxConnections = v.GetInt("proxy.maxconnections")
	cfg.Registry.Path = v.GetString("registry.path")
	cfg.Catalog.Path = v.GetString("catalog.path")

	return cfg
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("httpclient.maxidleconns", cfg.HTTPClient.MaxIdleConns)
	v.SetDefault("httpclient.maxidleconnsperhost", cfg.HTTPClient.MaxIdleConnsPerHost)
	v.SetDefault("httpclient.idleconntimeoutseconds", cfg.HTTPClient.IdleConnTimeoutSeconds)
	v.SetDefault("httpclient.requesttimeoutseconds", cfg.HTTPClient.RequestTimeoutSeconds)
	v.SetDefault("httpclient.streamingtimeoutseconds", cfg.HTTPClient.StreamingTimeoutSeconds)
	v.SetDefault("httpclient.readtimeoutseconds", cfg.HTTPClient.ReadTimeoutSeconds)
	v.SetDefault("logging.isdebugmode", cfg.Logging.IsDebugMode)
	v.SetDefault("store.datadir", cfg.Store.DataDir)
	v.SetDefault("store.maxrecordsperfile", cfg.Store.MaxRecordsPerFile)
	v.SetDefault("store.flushintervalsecs", cfg.Store.FlushIntervalSecs)
	v.SetDefault("store.flushbatch", cfg.Store.FlushBatch)
	v.SetDefault("proxy.timeoutsecs", cfg.Proxy.TimeoutSecs)
	v.SetDefault("proxy.maxconnections", cfg.Proxy.MaxConnections)
	v.SetDefault("registry.path", cfg.Registry.Path)
	v.SetDefault("catalog.path", cfg.Catalog.Path)
}
