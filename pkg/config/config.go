// Package config holds the settings both sides of the mailbox are deployed with.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/srediag/mask-shm/internal/shm"
	"github.com/srediag/mask-shm/pkg/mailbox"
)

// EnvPrefix prefixes environment overrides, e.g. MASKSHM_SEGMENT_NAME.
const EnvPrefix = "MASKSHM"

const (
	defaultSegmentName = "mask_shared"
	defaultWidth       = 128
	defaultHeight      = 128
	defaultMode        = 0o600
)

// Config is the complete mask-shm configuration.
type Config struct {
	Segment   SegmentConfig   `mapstructure:"segment"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Dump      DumpConfig      `mapstructure:"dump"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Log       LogConfig       `mapstructure:"log"`
}

// SegmentConfig must be identical on both sides; nothing is negotiated.
type SegmentConfig struct {
	Name   string `mapstructure:"name"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
	// Mode is the permission of segments the publisher creates, before umask.
	Mode uint32 `mapstructure:"mode"`
}

// Layout returns the mailbox layout.
func (s SegmentConfig) Layout() mailbox.Layout {
	return mailbox.Layout{Width: s.Width, Height: s.Height}
}

// PublisherConfig controls the publishing loop.
type PublisherConfig struct {
	// PollInterval is the sleep while waiting for the consumer to release the slot.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// FPSLogInterval is how often the frame rate is logged (0 = never).
	FPSLogInterval time.Duration `mapstructure:"fps_log_interval"`
	// Source is "pattern" or "dir".
	Source    string `mapstructure:"source"`
	SourceDir string `mapstructure:"source_dir"`
	// Loop restarts a dir source at its first file instead of stopping.
	Loop bool `mapstructure:"loop"`
	// Heartbeat enables the liveness sidecar segment.
	Heartbeat         bool          `mapstructure:"heartbeat"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// StaleAfter fails the liveness check when no mask was published for this long.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// ConsumerConfig controls the reference consumer.
type ConsumerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// StaleAfter without a mask moves the link to stale.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// LostAfter without a heartbeat moves the link to lost.
	LostAfter             time.Duration `mapstructure:"lost_after"`
	AttachInitialInterval time.Duration `mapstructure:"attach_initial_interval"`
	AttachMaxInterval     time.Duration `mapstructure:"attach_max_interval"`
	// AttachMaxElapsed bounds the attach retries (0 = retry forever).
	AttachMaxElapsed time.Duration `mapstructure:"attach_max_elapsed"`
}

// DumpConfig enables writing masks to disk as PNG.
type DumpConfig struct {
	// Dir disables dumping when empty.
	Dir       string `mapstructure:"dir"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
}

// AdminConfig controls the metrics and health endpoints.
type AdminConfig struct {
	// Addr disables the admin server when empty.
	Addr string `mapstructure:"addr"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the stock deployment: a
// 128x128 mask in "mask_shared", 1 ms publisher poll and 3 ms consumer poll.
func DefaultConfig() *Config {
	return &Config{
		Segment: SegmentConfig{
			Name:   defaultSegmentName,
			Width:  defaultWidth,
			Height: defaultHeight,
			Mode:   defaultMode,
		},
		Publisher: PublisherConfig{
			PollInterval:      time.Millisecond,
			FPSLogInterval:    5 * time.Second,
			Source:            "pattern",
			Loop:              true,
			Heartbeat:         true,
			HeartbeatInterval: 100 * time.Millisecond,
			StaleAfter:        5 * time.Second,
		},
		Consumer: ConsumerConfig{
			PollInterval:          3 * time.Millisecond,
			StaleAfter:            500 * time.Millisecond,
			LostAfter:             2 * time.Second,
			AttachInitialInterval: 10 * time.Millisecond,
			AttachMaxInterval:     time.Second,
		},
		Dump: DumpConfig{
			Workers:   2,
			QueueSize: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// VerifyConfig checks a configuration before any segment is touched.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := shm.CleanName(c.Segment.Name); err != nil {
		errs = append(errs, fmt.Errorf("segment.name: %w", err))
	}
	if err := c.Segment.Layout().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segment: %w", err))
	}
	if c.Segment.Mode&^0o777 != 0 || c.Segment.Mode&0o600 != 0o600 {
		errs = append(errs, fmt.Errorf("segment.mode %#o: want permission bits with owner read and write", c.Segment.Mode))
	}
	if c.Publisher.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("publisher.poll_interval must be positive, got %s", c.Publisher.PollInterval))
	}
	switch c.Publisher.Source {
	case "pattern":
	case "dir":
		if c.Publisher.SourceDir == "" {
			errs = append(errs, errors.New("publisher.source_dir is required with source=dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("publisher.source %q: want pattern or dir", c.Publisher.Source))
	}
	if c.Publisher.Heartbeat && c.Publisher.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("publisher.heartbeat_interval must be positive when heartbeat is enabled"))
	}
	if c.Consumer.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("consumer.poll_interval must be positive, got %s", c.Consumer.PollInterval))
	}
	if c.Consumer.StaleAfter <= 0 || c.Consumer.LostAfter < c.Consumer.StaleAfter {
		errs = append(errs, fmt.Errorf("consumer: need 0 < stale_after (%s) <= lost_after (%s)", c.Consumer.StaleAfter, c.Consumer.LostAfter))
	}
	if c.Consumer.AttachInitialInterval <= 0 || c.Consumer.AttachMaxInterval < c.Consumer.AttachInitialInterval {
		errs = append(errs, fmt.Errorf("consumer: need 0 < attach_initial_interval (%s) <= attach_max_interval (%s)",
			c.Consumer.AttachInitialInterval, c.Consumer.AttachMaxInterval))
	}
	if c.Dump.Dir != "" && (c.Dump.Workers <= 0 || c.Dump.QueueSize <= 0) {
		errs = append(errs, errors.New("dump: workers and queue_size must be positive"))
	}
	return errors.Join(errs...)
}

// SetDefaults registers DefaultConfig on v so every key can be overridden from the environment.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("segment.name", d.Segment.Name)
	v.SetDefault("segment.width", d.Segment.Width)
	v.SetDefault("segment.height", d.Segment.Height)
	v.SetDefault("segment.mode", d.Segment.Mode)
	v.SetDefault("publisher.poll_interval", d.Publisher.PollInterval)
	v.SetDefault("publisher.fps_log_interval", d.Publisher.FPSLogInterval)
	v.SetDefault("publisher.source", d.Publisher.Source)
	v.SetDefault("publisher.source_dir", d.Publisher.SourceDir)
	v.SetDefault("publisher.loop", d.Publisher.Loop)
	v.SetDefault("publisher.heartbeat", d.Publisher.Heartbeat)
	v.SetDefault("publisher.heartbeat_interval", d.Publisher.HeartbeatInterval)
	v.SetDefault("publisher.stale_after", d.Publisher.StaleAfter)
	v.SetDefault("consumer.poll_interval", d.Consumer.PollInterval)
	v.SetDefault("consumer.stale_after", d.Consumer.StaleAfter)
	v.SetDefault("consumer.lost_after", d.Consumer.LostAfter)
	v.SetDefault("consumer.attach_initial_interval", d.Consumer.AttachInitialInterval)
	v.SetDefault("consumer.attach_max_interval", d.Consumer.AttachMaxInterval)
	v.SetDefault("consumer.attach_max_elapsed", d.Consumer.AttachMaxElapsed)
	v.SetDefault("dump.dir", d.Dump.Dir)
	v.SetDefault("dump.workers", d.Dump.Workers)
	v.SetDefault("dump.queue_size", d.Dump.QueueSize)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// NewViper returns a viper instance with defaults and MASKSHM_ environment
// overrides wired, e.g. MASKSHM_SEGMENT_NAME for segment.name.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes a verified Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}
