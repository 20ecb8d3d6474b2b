package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/completionkit/dispatch"
	"github.com/vinayprograms/completionkit/envelope"
	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "completion.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500*time.Millisecond, cfg.Completion.PollInterval)
	assert.Equal(t, 1000, cfg.Completion.ScanLimit)
	assert.Equal(t, envelope.DefaultMaxBytes, cfg.Completion.MaxEnvelopeBytes)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, BackendMemory, cfg.Dispatch.Backend)
	assert.False(t, cfg.NeedsNATS())
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Completion, cfg.Completion)
	assert.Equal(t, def.Store, cfg.Store)
	assert.Equal(t, def.Worker, cfg.Worker)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[completion]
poll_interval = "100ms"
poll_max_interval = "2s"
poll_multiplier = 2.0
scan_limit = 50
destination = "batch"

[store]
backend = "bolt"
path = "/var/lib/completion/results.db"

[dispatch]
backend = "nats"
max_deliver = 9
ack_wait = "1m"

[nats]
url = "nats://broker:4222"

[endpoint]
path = "/push"

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Completion.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Completion.PollMaxInterval)
	assert.Equal(t, 2.0, cfg.Completion.PollMultiplier)
	assert.Equal(t, 50, cfg.Completion.ScanLimit)
	assert.Equal(t, "batch", cfg.Completion.Destination)
	assert.Equal(t, BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/completion/results.db", cfg.Store.Path)
	assert.Equal(t, 9, cfg.Dispatch.MaxDeliver)
	assert.Equal(t, time.Minute, cfg.Dispatch.AckWait)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "/push", cfg.Endpoint.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.NeedsNATS())

	// untouched keys keep their defaults
	assert.Equal(t, Default().Completion.MaxEnvelopeBytes, cfg.Completion.MaxEnvelopeBytes)
	assert.Equal(t, Default().Dispatch.Stream, cfg.Dispatch.Stream)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[worker]
concurrency = 2
`)
	t.Setenv("COMPLETION_WORKER__CONCURRENCY", "8")
	t.Setenv("COMPLETION_COMPLETION__POLL_INTERVAL", "250ms")
	t.Setenv("COMPLETION_COMPLETION__POLL_MAX_INTERVAL", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Completion.PollInterval)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code errors.ErrorCode
		key  string
	}{
		{"unknown key", "[completion]\nbogus = 1\n", errors.ErrCodeInvalidInput, ""},
		{"bad toml", "[completion\n", errors.ErrCodeInvalidInput, ""},
		{"bad backend", "[store]\nbackend = \"redis\"\n", errors.ErrCodeInvalidInput, "store.backend"},
		{"bolt without path", "[store]\nbackend = \"bolt\"\n", errors.ErrCodeInvalidInput, "store.path"},
		{"bad destination", "[completion]\ndestination = \"a.b\"\n", errors.ErrCodeInvalidInput, "completion.destination"},
		{"zero scan limit", "[completion]\nscan_limit = 0\n", errors.ErrCodeInvalidInput, "completion.scan_limit"},
		{"max below interval", "[completion]\npoll_max_interval = \"1ms\"\n", errors.ErrCodeInvalidInput, "completion.poll_max_interval"},
		{"bad log level", "[log]\nlevel = \"loud\"\n", errors.ErrCodeInvalidInput, "log.level"},
		{"bad sample ratio", "[telemetry]\nsample_ratio = 2.0\n", errors.ErrCodeInvalidInput, "telemetry.sample_ratio"},
		{"bad endpoint path", "[endpoint]\npath = \"push\"\n", errors.ErrCodeInvalidInput, "endpoint.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
			if tt.key != "" {
				e := errors.As(err)
				require.NotNil(t, e)
				assert.Equal(t, tt.key, e.Metadata()["key"])
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "store.backend", envKey("COMPLETION_STORE__BACKEND"))
	assert.Equal(t, "completion.poll_interval", envKey("COMPLETION_COMPLETION__POLL_INTERVAL"))
}

func TestTOMLParser(t *testing.T) {
	p := TOML()
	m, err := p.Unmarshal([]byte("[a]\nb = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m["a"].(map[string]interface{})["b"])

	out, err := p.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), "[a]")
}

func TestDerivedSettings(t *testing.T) {
	cfg := Default()
	cfg.Completion.MaxEnvelopeBytes = 4096
	cfg.Worker.ID = "w-1"
	cfg.Worker.TaskTimeout = time.Second

	assert.Equal(t, 4096, cfg.EndpointConfig().MaxBodyBytes)
	cfg.Endpoint.MaxBodyBytes = 2048
	assert.Equal(t, 2048, cfg.EndpointConfig().MaxBodyBytes)

	p := cfg.PollPolicy()
	assert.Equal(t, cfg.Completion.PollInterval, p.Interval)
	assert.Len(t, cfg.CompletionOptions(nil), 7)
	assert.Len(t, cfg.ExecutorOptions(nil), 4)

	wc := cfg.WorkerPool()
	assert.Equal(t, cfg.Completion.Destination, wc.Destination)
	assert.Equal(t, cfg.Worker.Concurrency, wc.Concurrency)
}

func TestOpen_MemoryBackends(t *testing.T) {
	cfg := Default()
	b, err := Open(context.Background(), &cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.Conn)
	assert.IsType(t, &store.MemoryStore{}, b.Store)
	assert.IsType(t, &dispatch.MemoryQueue{}, b.Queue)
}

func TestOpenStore_Bolt(t *testing.T) {
	st, err := OpenStore(StoreConfig{
		Backend: BackendBolt,
		Path:    filepath.Join(t.TempDir(), "results.db"),
		Timeout: time.Second,
		NoSync:  true,
	}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.BoltStore{}, st)
	require.NoError(t, st.Close())
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := OpenStore(StoreConfig{Backend: "redis"}, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = OpenQueue(context.Background(), DispatchConfig{Backend: "kafka"}, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestOpen_NATSWithoutConnection(t *testing.T) {
	_, err := OpenStore(StoreConfig{Backend: BackendNATS}, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeStoreUnavailable))

	_, err = OpenQueue(context.Background(), DispatchConfig{Backend: BackendNATS}, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeDispatch))
}
