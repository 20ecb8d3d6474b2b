// Package config loads completionkit process configuration.
//
// Values are layered, later sources winning:
//
//  1. built-in defaults
//  2. a TOML file
//  3. COMPLETION_ environment variables, with "__" separating sections
//     (COMPLETION_STORE__BACKEND=bolt sets store.backend)
//
// The merged result is decoded strictly: unknown keys are an error.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/completion"
	"github.com/vinayprograms/completionkit/dispatch"
	"github.com/vinayprograms/completionkit/endpoint"
	"github.com/vinayprograms/completionkit/envelope"
	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/executor"
	"github.com/vinayprograms/completionkit/logging"
	"github.com/vinayprograms/completionkit/natsconn"
	"github.com/vinayprograms/completionkit/store"
	"github.com/vinayprograms/completionkit/telemetry"
)

// EnvPrefix marks environment variables read by Load.
const EnvPrefix = "COMPLETION_"

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendNATS   = "nats"
)

// Config is the full process configuration.
type Config struct {
	Completion CompletionConfig `koanf:"completion"`
	Store      StoreConfig      `koanf:"store"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	NATS       natsconn.Config  `koanf:"nats"`
	Endpoint   endpoint.Config  `koanf:"endpoint"`
	Worker     WorkerConfig     `koanf:"worker"`
	Log        logging.Config   `koanf:"log"`
	Telemetry  telemetry.Config `koanf:"telemetry"`
}

// CompletionConfig tunes the submitting side.
type CompletionConfig struct {
	PollInterval     time.Duration `koanf:"poll_interval" validate:"gt=0"`
	PollMaxInterval  time.Duration `koanf:"poll_max_interval" validate:"gtefield=PollInterval"`
	PollMultiplier   float64       `koanf:"poll_multiplier" validate:"gte=1"`
	ScanLimit        int           `koanf:"scan_limit" validate:"gt=0"`
	MaxEnvelopeBytes int           `koanf:"max_envelope_bytes" validate:"gt=0"`
	Destination      string        `koanf:"destination" validate:"destination"`

	// Watch wakes pollers on store change notifications when the backend
	// supports them.
	Watch bool `koanf:"watch"`
}

// StoreConfig selects and tunes the result store.
type StoreConfig struct {
	Backend string `koanf:"backend" validate:"oneof=memory bolt nats"`

	// Path is the bolt database file.
	Path string `koanf:"path" validate:"required_if=Backend bolt"`

	// Timeout bounds waiting for the bolt file lock.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	NoSync  bool          `koanf:"no_sync"`

	// Bucket is the NATS KV bucket.
	Bucket   string `koanf:"bucket"`
	Replicas int    `koanf:"replicas" validate:"gte=0"`
}

// DispatchConfig selects and tunes the task queue.
type DispatchConfig struct {
	Backend    string        `koanf:"backend" validate:"oneof=memory nats"`
	BufferSize int           `koanf:"buffer_size" validate:"gte=0"`
	MaxDeliver int           `koanf:"max_deliver" validate:"gte=0"`
	Stream     string        `koanf:"stream"`
	Subject    string        `koanf:"subject"`
	Durable    string        `koanf:"durable"`
	AckWait    time.Duration `koanf:"ack_wait" validate:"gte=0"`
	Replicas   int           `koanf:"replicas" validate:"gte=0"`
}

// WorkerConfig tunes the executing side.
type WorkerConfig struct {
	// ID names this worker in recorded outcomes. Defaults to the hostname.
	ID          string        `koanf:"id"`
	Concurrency int           `koanf:"concurrency" validate:"gt=0"`
	RetryDelay  time.Duration `koanf:"retry_delay" validate:"gte=0"`
	TaskTimeout time.Duration `koanf:"task_timeout" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	policy := completion.DefaultPollPolicy()
	bolt := store.DefaultBoltStoreConfig()
	kv := store.DefaultNATSStoreConfig()
	js := dispatch.DefaultJetStreamConfig()
	worker := executor.DefaultWorkerConfig()

	return Config{
		Completion: CompletionConfig{
			PollInterval:     policy.Interval,
			PollMaxInterval:  policy.MaxInterval,
			PollMultiplier:   policy.Multiplier,
			ScanLimit:        completion.DefaultScanLimit,
			MaxEnvelopeBytes: envelope.DefaultMaxBytes,
			Destination:      completion.DefaultDestination,
			Watch:            true,
		},
		Store: StoreConfig{
			Backend:  BackendMemory,
			Timeout:  bolt.Timeout,
			Bucket:   kv.Bucket,
			Replicas: kv.Replicas,
		},
		Dispatch: DispatchConfig{
			Backend:    BackendMemory,
			BufferSize: js.BufferSize,
			MaxDeliver: js.MaxDeliver,
			Stream:     js.Stream,
			Subject:    js.Subject,
			Durable:    js.Durable,
			AckWait:    js.AckWait,
			Replicas:   js.Replicas,
		},
		NATS:     natsconn.DefaultConfig(),
		Endpoint: defaultEndpoint(),
		Worker: WorkerConfig{
			Concurrency: worker.Concurrency,
			RetryDelay:  worker.RetryDelay,
		},
		Log:       logging.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// defaultEndpoint leaves the body limit unset so it follows
// completion.max_envelope_bytes.
func defaultEndpoint() endpoint.Config {
	ep := endpoint.DefaultConfig()
	ep.MaxBodyBytes = 0
	return ep
}

// Load builds configuration from defaults, the TOML file at path (skipped
// when path is empty), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "load default configuration")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), TOML()); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.WrapWithCode(err, errors.ErrCodeNotFound, "configuration file not found",
					errors.WithMetadata("path", path))
			}
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "read configuration file",
				errors.WithMetadata("path", path))
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "load environment")
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			ErrorUnused:      true,
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps COMPLETION_STORE__BACKEND to store.backend.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// PollPolicy is the completion poll policy.
func (c *Config) PollPolicy() completion.PollPolicy {
	return completion.PollPolicy{
		Interval:    c.Completion.PollInterval,
		MaxInterval: c.Completion.PollMaxInterval,
		Multiplier:  c.Completion.PollMultiplier,
	}
}

// CompletionOptions returns coordinator options for this configuration.
func (c *Config) CompletionOptions(log *logrus.Entry) []completion.Option {
	return []completion.Option{
		completion.WithLogger(log),
		completion.WithPollPolicy(c.PollPolicy()),
		completion.WithScanLimit(c.Completion.ScanLimit),
		completion.WithMaxEnvelopeBytes(c.Completion.MaxEnvelopeBytes),
		completion.WithDestination(c.Completion.Destination),
		completion.WithWatch(c.Completion.Watch),
		completion.WithTracer(telemetry.Global()),
	}
}

// ExecutorOptions returns executor options for this configuration.
func (c *Config) ExecutorOptions(log *logrus.Entry) []executor.Option {
	id := c.Worker.ID
	if id == "" {
		id, _ = os.Hostname()
	}
	opts := []executor.Option{
		executor.WithLogger(log),
		executor.WithWorkerID(id),
		executor.WithTracer(telemetry.Global()),
	}
	if c.Worker.TaskTimeout > 0 {
		opts = append(opts, executor.WithTaskTimeout(c.Worker.TaskTimeout))
	}
	return opts
}

// WorkerPool returns the worker pool configuration.
func (c *Config) WorkerPool() executor.WorkerConfig {
	return executor.WorkerConfig{
		Destination: c.Completion.Destination,
		Concurrency: c.Worker.Concurrency,
		RetryDelay:  c.Worker.RetryDelay,
	}
}

// EndpointConfig returns the delivery endpoint configuration with the body
// limit tied to the envelope ceiling.
func (c *Config) EndpointConfig() endpoint.Config {
	ep := c.Endpoint
	if ep.MaxBodyBytes <= 0 {
		ep.MaxBodyBytes = c.Completion.MaxEnvelopeBytes
	}
	return ep
}

// NeedsNATS reports whether any backend uses the NATS connection.
func (c *Config) NeedsNATS() bool {
	return c.Store.Backend == BackendNATS || c.Dispatch.Backend == BackendNATS
}
