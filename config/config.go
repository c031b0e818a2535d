// Package config loads scheduler settings from a file and JOBSCHEDULER_ environment
// variables, and applies them to the scheduler, job store and MongoDB configs.
package config

import (
	"strings"
	"time"

	"github.com/DEEJ4Y/jobscheduler"
	"github.com/DEEJ4Y/jobscheduler/mongodb"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable override, e.g.
// JOBSCHEDULER_SCHEDULER_THREAD_COUNT.
const EnvPrefix = "JOBSCHEDULER"

// Settings is the complete configuration.
type Settings struct {
	Scheduler SchedulerSettings `mapstructure:"scheduler"`
	Mongo     MongoSettings     `mapstructure:"mongo"`
	Log       LogSettings       `mapstructure:"log"`
}

type SchedulerSettings struct {
	InstanceID         string        `mapstructure:"instance_id"`
	SleepTime          time.Duration `mapstructure:"sleep_time"`
	TimeWindow         time.Duration `mapstructure:"time_window"`
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
	ThreadCount        int           `mapstructure:"thread_count"`
	MisfireThreshold   time.Duration `mapstructure:"misfire_threshold"`
	MaxWaitForFireTime time.Duration `mapstructure:"max_wait_for_fire_time"`
}

// MongoSettings selects the MongoDB job store. An empty URI means the in-memory store.
type MongoSettings struct {
	URI              string        `mapstructure:"uri"`
	Database         string        `mapstructure:"database"`
	CollectionPrefix string        `mapstructure:"collection_prefix"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	LockLease        time.Duration `mapstructure:"lock_lease"`
}

type LogSettings struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults registers the default value of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.instance_id", "NON_CLUSTERED")
	v.SetDefault("scheduler.sleep_time", 5*time.Second)
	v.SetDefault("scheduler.time_window", time.Duration(0))
	v.SetDefault("scheduler.max_batch_size", 1)
	v.SetDefault("scheduler.thread_count", 10)
	v.SetDefault("scheduler.misfire_threshold", 60*time.Second)
	v.SetDefault("scheduler.max_wait_for_fire_time", 2*time.Minute)

	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "scheduler")
	v.SetDefault("mongo.collection_prefix", "qrtz_")
	v.SetDefault("mongo.lock_timeout", 30*time.Second)
	v.SetDefault("mongo.lock_lease", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// New returns a viper instance with defaults and environment overrides bound.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads settings from path, when non-empty, over the defaults. Environment
// variables take precedence over the file.
func Load(path string) (*Settings, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper decodes and validates the settings held by v.
func LoadWithViper(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the scheduler cannot run with.
func (s *Settings) Validate() error {
	switch {
	case s.Scheduler.InstanceID == "":
		return errors.New("scheduler.instance_id cannot be empty")
	case s.Scheduler.SleepTime <= 0:
		return errors.New("scheduler.sleep_time must be positive")
	case s.Scheduler.TimeWindow < 0:
		return errors.New("scheduler.time_window cannot be negative")
	case s.Scheduler.MaxBatchSize < 1:
		return errors.New("scheduler.max_batch_size must be at least 1")
	case s.Scheduler.ThreadCount < 1:
		return errors.New("scheduler.thread_count must be at least 1")
	case s.Scheduler.MisfireThreshold < 0:
		return errors.New("scheduler.misfire_threshold cannot be negative")
	}
	if _, err := zapcore.ParseLevel(s.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// NewLogger builds the process logger described by the log settings.
func (s *Settings) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(s.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	config := zap.NewProductionConfig()
	if !s.Log.JSON {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

// ApplyStore copies the job store settings onto sc.
func (s *Settings) ApplyStore(sc *scheduler.StoreConfig) {
	sc.InstanceID = s.Scheduler.InstanceID
	sc.MisfireThreshold = s.Scheduler.MisfireThreshold
}

// Apply copies the loop settings onto c.
func (s *Settings) Apply(c *scheduler.Config) {
	c.SleepTime = s.Scheduler.SleepTime
	c.TimeWindow = s.Scheduler.TimeWindow
	c.MaxBatchSize = s.Scheduler.MaxBatchSize
	c.ThreadCount = s.Scheduler.ThreadCount
	c.MaxWaitForFireTime = s.Scheduler.MaxWaitForFireTime
}

// UseMongo reports whether a MongoDB URI is configured.
func (s *Settings) UseMongo() bool {
	return s.Mongo.URI != ""
}

// MongoClientOptions returns client options for the configured URI.
func (s *Settings) MongoClientOptions() *options.ClientOptions {
	return options.Client().ApplyURI(s.Mongo.URI)
}

// MongoConfig returns the backend and locker configuration for client.
func (s *Settings) MongoConfig(client *mongo.Client, logger *zap.Logger) mongodb.LockerConfig {
	return mongodb.LockerConfig{
		Config: mongodb.Config{
			Database:         client.Database(s.Mongo.Database),
			CollectionPrefix: s.Mongo.CollectionPrefix,
			Logger:           logger,
		},
		LeaseTime:      s.Mongo.LockLease,
		AcquireTimeout: s.Mongo.LockTimeout,
	}
}
