// Package config loads service configuration. Values come, in increasing
// precedence, from built-in defaults, an optional config file, a .env file,
// environment variables and command-line flags.
//
// Environment variables use the key with dots replaced by underscores, so
// mongo.uri is read from MONGO_URI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/ukydev/fleet-integrity/internal/consolidator"
	"github.com/ukydev/fleet-integrity/internal/engine"
	"github.com/ukydev/fleet-integrity/internal/fraud"
	"github.com/ukydev/fleet-integrity/internal/logging"
	"github.com/ukydev/fleet-integrity/internal/trust"
	"github.com/ukydev/fleet-integrity/internal/validator"
)

// Store drivers.
const (
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Config is the resolved service configuration.
type Config struct {
	Port           int
	StoreDriver    string
	MongoURI       string
	MongoDatabase  string
	MongoTimeout   time.Duration
	RawStorePath   string
	JWTSecret      string
	RateLimit      int
	RateWindow     time.Duration
	MQTTBroker     string
	MQTTTopic      string
	MQTTClientID   string
	MQTTQoS        byte
	Log            logging.Options
	Engine         engine.Config
	ShutdownPeriod time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("store.driver", DriverMongo)
	v.SetDefault("mongo.database", "fleet_integrity")
	v.SetDefault("mongo.timeout", "10s")
	v.SetDefault("rawstore.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ratelimit.requests", 600)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("mqtt.topic", "fleet/+/odometer")
	v.SetDefault("mqtt.client_id", "fleet-integrity")
	v.SetDefault("mqtt.qos", 1)

	def := engine.DefaultConfig()
	v.SetDefault("validator.rollback_tolerance_km", def.Validator.RollbackToleranceKm)
	v.SetDefault("validator.max_speed_kmh", def.Validator.MaxSpeedKmh)
	v.SetDefault("validator.distance_slack_km", def.Validator.DistanceSlackKm)
	v.SetDefault("fraud.medium_km", def.Severity.MediumKm)
	v.SetDefault("fraud.high_km", def.Severity.HighKm)
	v.SetDefault("trust.default_seed", def.Trust.DefaultSeed)
	v.SetDefault("trust.max_retries", def.Trust.MaxRetries)
	v.SetDefault("trust.rollback_penalty", def.RollbackPenalty)
	v.SetDefault("trust.impossible_penalty", def.ImpossiblePenalty)
	v.SetDefault("consolidator.inactivity_gap", def.Consolidation.InactivityGap.String())
	v.SetDefault("engine.max_retries", def.MaxRetries)
}

// Load resolves configuration for the given command-line arguments
// (without the program name).
func Load(args []string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("fleet-integrity", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("store", DriverMongo, "store driver: mongo or memory")
	flags.String("log-level", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET", "JWT_SECRET")
	_ = v.BindPFlag("server.port", flags.Lookup("port"))
	_ = v.BindPFlag("store.driver", flags.Lookup("store"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Port:           v.GetInt("server.port"),
		ShutdownPeriod: v.GetDuration("server.shutdown_timeout"),
		StoreDriver:    v.GetString("store.driver"),
		MongoURI:       v.GetString("mongo.uri"),
		MongoDatabase:  v.GetString("mongo.database"),
		MongoTimeout:   v.GetDuration("mongo.timeout"),
		RawStorePath:   v.GetString("rawstore.path"),
		JWTSecret:      v.GetString("auth.jwt_secret"),
		RateLimit:      v.GetInt("ratelimit.requests"),
		RateWindow:     v.GetDuration("ratelimit.window"),
		MQTTBroker:     v.GetString("mqtt.broker"),
		MQTTTopic:      v.GetString("mqtt.topic"),
		MQTTClientID:   v.GetString("mqtt.client_id"),
		MQTTQoS:        byte(v.GetUint("mqtt.qos")),
		Log: logging.Options{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		Engine: engine.Config{
			Validator: validator.Config{
				RollbackToleranceKm: v.GetFloat64("validator.rollback_tolerance_km"),
				MaxSpeedKmh:         v.GetFloat64("validator.max_speed_kmh"),
				DistanceSlackKm:     v.GetFloat64("validator.distance_slack_km"),
			},
			Severity: fraud.SeverityConfig{
				MediumKm: v.GetFloat64("fraud.medium_km"),
				HighKm:   v.GetFloat64("fraud.high_km"),
			},
			Trust: trust.Config{
				DefaultSeed: v.GetFloat64("trust.default_seed"),
				MaxRetries:  v.GetInt("trust.max_retries"),
			},
			Consolidation: consolidator.Config{
				InactivityGap: v.GetDuration("consolidator.inactivity_gap"),
			},
			RollbackPenalty:   v.GetFloat64("trust.rollback_penalty"),
			ImpossiblePenalty: v.GetFloat64("trust.impossible_penalty"),
			MaxRetries:        v.GetInt("engine.max_retries"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("mongo.uri is required for the %s store", DriverMongo)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Engine.Validator.RollbackToleranceKm < 0 {
		return fmt.Errorf("validator.rollback_tolerance_km must not be negative")
	}
	if c.Engine.Trust.DefaultSeed < 0 || c.Engine.Trust.DefaultSeed > 100 {
		return fmt.Errorf("trust.default_seed must be within [0, 100]")
	}
	if c.Engine.Severity.MediumKm > c.Engine.Severity.HighKm {
		return fmt.Errorf("fraud.medium_km must not exceed fraud.high_km")
	}
	return nil
}
