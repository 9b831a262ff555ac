package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TuningConfig carries the operational knobs for the reconciler and renewal
// engine. It is loaded from an optional tuning.yml and hot-reloaded so batch
// sizes and intervals can be adjusted without a restart.
type TuningConfig struct {
	Reconciler ReconcilerTuning `mapstructure:"reconciler"`
	Renewal    RenewalTuning    `mapstructure:"renewal"`
}

type ReconcilerTuning struct {
	RunInterval         time.Duration `mapstructure:"runInterval"`
	OrphanBatchSize     int           `mapstructure:"orphanBatchSize"`
	SweepBatchSize      int           `mapstructure:"sweepBatchSize"`
	SafetySweepInterval time.Duration `mapstructure:"safetySweepInterval"`
	EnabledJobs         []string      `mapstructure:"enabledJobs"`
}

type RenewalTuning struct {
	VerificationDelay time.Duration `mapstructure:"verificationDelay"`
	SweepBatchSize    int           `mapstructure:"sweepBatchSize"`
}

func DefaultTuningConfig() TuningConfig {
	return TuningConfig{
		Reconciler: ReconcilerTuning{
			RunInterval:         time.Minute,
			OrphanBatchSize:     20,
			SweepBatchSize:      50,
			SafetySweepInterval: 6 * time.Hour,
		},
		Renewal: RenewalTuning{
			VerificationDelay: 2 * time.Minute,
			SweepBatchSize:    25,
		},
	}
}

// TuningHolder exposes the current tuning snapshot. Readers always get a
// consistent value; reloads swap the whole struct.
type TuningHolder struct {
	current atomic.Value // holds TuningConfig
}

func NewTuningHolder() (*TuningHolder, error) {
	v := viper.New()

	v.SetConfigName("tuning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/simvault/config")
	v.AddConfigPath("/etc/simvault")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SIMVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTuningConfig()
	v.SetDefault("reconciler.runInterval", defaults.Reconciler.RunInterval)
	v.SetDefault("reconciler.orphanBatchSize", defaults.Reconciler.OrphanBatchSize)
	v.SetDefault("reconciler.sweepBatchSize", defaults.Reconciler.SweepBatchSize)
	v.SetDefault("reconciler.safetySweepInterval", defaults.Reconciler.SafetySweepInterval)
	v.SetDefault("renewal.verificationDelay", defaults.Renewal.VerificationDelay)
	v.SetDefault("renewal.sweepBatchSize", defaults.Renewal.SweepBatchSize)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg TuningConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validateTuning(cfg); err != nil {
		return nil, err
	}

	holder := &TuningHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated TuningConfig
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[tuning] reload failed: %v", err)
			return
		}
		if err := validateTuning(updated); err != nil {
			log.Printf("[tuning] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// NewStaticTuningHolder pins a holder to cfg with no file watching. Used by
// tests and one-shot tools.
func NewStaticTuningHolder(cfg TuningConfig) *TuningHolder {
	h := &TuningHolder{}
	h.current.Store(cfg)
	return h
}

func (h *TuningHolder) Current() TuningConfig {
	return h.current.Load().(TuningConfig)
}

func validateTuning(cfg TuningConfig) error {
	if cfg.Reconciler.RunInterval <= 0 {
		return errors.New("reconciler.runInterval must be positive")
	}
	if cfg.Reconciler.OrphanBatchSize <= 0 || cfg.Reconciler.SweepBatchSize <= 0 {
		return errors.New("reconciler batch sizes must be positive")
	}
	if cfg.Renewal.VerificationDelay <= 0 {
		return errors.New("renewal.verificationDelay must be positive")
	}
	if cfg.Renewal.SweepBatchSize <= 0 {
		return errors.New("renewal.sweepBatchSize must be positive")
	}
	return nil
}
