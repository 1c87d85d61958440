// Package config provides utilities to load environment variables & set config structs, it includes app, logger, redis, db, queue, http server and model-lane environment variables.
package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, queue broker, http server, scheduler and the model constraint table
type (
	AppConfig struct {
		App       *App       `mapstructure:"app"`
		Redis     *Redis     `mapstructure:"redis"`
		Logger    *Logger    `mapstructure:"logger"`
		DB        *DB        `mapstructure:"db"`
		Queue     *Queue     `mapstructure:"queue"`
		HTTP      *HTTP      `mapstructure:"http"`
		Scheduler *Scheduler `mapstructure:"scheduler"`
		Models    []Model    `mapstructure:"models"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// Queue contains all the environment variables for the AMQP broker
	Queue struct {
		Host  string `mapstructure:"host"`
		Port  string `mapstructure:"port"`
		User  string `mapstructure:"user"`
		Pass  string `mapstructure:"pass"`
		Vhost string `mapstructure:"vhost"`
	}

	// HTTP contains the http server environment variables, including the
	// accepted API keys and session tokens
	HTTP struct {
		Addr        string   `mapstructure:"addr"`
		APIKeys     []string `mapstructure:"api_keys"`
		SessionKeys []string `mapstructure:"session_keys"`
	}

	// Scheduler contains lane scheduling knobs: probe cadence, reaper
	// cadence, shared worker slots, GPU memory floor and the Prometheus
	// endpoint used for GPU telemetry
	Scheduler struct {
		ProbeIntervalSeconds int     `mapstructure:"probe_interval_seconds"`
		ReapIntervalSeconds  int     `mapstructure:"reap_interval_seconds"`
		SharedSlots          int     `mapstructure:"shared_slots"`
		MinFreeMemoryMB      float64 `mapstructure:"min_free_memory_mb"`
		PrometheusURL        string  `mapstructure:"prometheus_url"`
	}

	// Model is one entry of the model constraint table: the fixed
	// generation parameters the validator enforces exactly
	Model struct {
		Name       string   `mapstructure:"name"`
		Kind       string   `mapstructure:"kind"`
		FixedSteps int      `mapstructure:"fixed_steps"`
		FixedCfg   *float64 `mapstructure:"fixed_cfg"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind AMQP variables
	viper.BindEnv("queue.host", "MQ_HOST")
	viper.BindEnv("queue.port", "MQ_PORT")
	viper.BindEnv("queue.user", "MQ_USER")
	viper.BindEnv("queue.pass", "MQ_PASS")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}

// AMQPURL assembles the broker connection url from the queue config
func (q *Queue) AMQPURL() string {
	host := q.Host
	if host == "" {
		host = "rabbitmq"
	}
	port := q.Port
	if port == "" {
		port = "5672"
	}
	user := q.User
	if user == "" {
		user = "guest"
	}
	pass := q.Pass
	if pass == "" {
		pass = "guest"
	}
	return "amqp://" + user + ":" + pass + "@" + host + ":" + port + "/" + q.Vhost
}
