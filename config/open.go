package config

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/dispatch"
	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/logging"
	"github.com/vinayprograms/completionkit/natsconn"
	"github.com/vinayprograms/completionkit/store"
)

// Backends holds the store and queue opened from a Config.
type Backends struct {
	Conn  *nats.Conn
	Store store.Store
	Queue dispatch.Queue
}

// Open connects to NATS when a backend needs it, then opens the configured
// store and queue. On error everything already opened is closed.
func Open(ctx context.Context, cfg *Config, log *logrus.Entry) (*Backends, error) {
	b := &Backends{}
	if cfg.NeedsNATS() {
		conn, err := natsconn.Connect(cfg.NATS, logging.Component(log, "nats"))
		if err != nil {
			return nil, errors.StoreUnavailable(err, errors.WithMetadata("url", cfg.NATS.URL))
		}
		b.Conn = conn
	}

	st, err := OpenStore(cfg.Store, b.Conn, log)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Store = st

	q, err := OpenQueue(ctx, cfg.Dispatch, b.Conn)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Queue = q
	return b, nil
}

// OpenStore opens the configured result store. conn and log are only
// used by the nats backend.
func OpenStore(cfg StoreConfig, conn *nats.Conn, log *logrus.Entry) (store.Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return store.NewMemoryStore(), nil
	case BackendBolt:
		st, err := store.NewBoltStore(store.BoltStoreConfig{
			Path:    cfg.Path,
			Timeout: cfg.Timeout,
			NoSync:  cfg.NoSync,
		})
		if err != nil {
			return nil, errors.StoreUnavailable(err, errors.WithMetadata("path", cfg.Path))
		}
		return st, nil
	case BackendNATS:
		kv := store.DefaultNATSStoreConfig()
		kv.Conn = conn
		kv.Log = log
		if cfg.Bucket != "" {
			kv.Bucket = cfg.Bucket
		}
		if cfg.Replicas > 0 {
			kv.Replicas = cfg.Replicas
		}
		st, err := store.NewNATSStore(kv)
		if err != nil {
			return nil, errors.StoreUnavailable(err, errors.WithMetadata("bucket", kv.Bucket))
		}
		return st, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown store backend %q", cfg.Backend)
	}
}

// OpenQueue opens the configured task queue. conn is only used by the nats
// backend.
func OpenQueue(ctx context.Context, cfg DispatchConfig, conn *nats.Conn) (dispatch.Queue, error) {
	base := dispatch.DefaultConfig()
	if cfg.BufferSize > 0 {
		base.BufferSize = cfg.BufferSize
	}
	base.MaxDeliver = cfg.MaxDeliver

	switch cfg.Backend {
	case "", BackendMemory:
		return dispatch.NewMemoryQueue(base), nil
	case BackendNATS:
		js := dispatch.DefaultJetStreamConfig()
		js.Config = base
		js.Conn = conn
		if cfg.Stream != "" {
			js.Stream = cfg.Stream
		}
		if cfg.Subject != "" {
			js.Subject = cfg.Subject
		}
		if cfg.Durable != "" {
			js.Durable = cfg.Durable
		}
		if cfg.AckWait > 0 {
			js.AckWait = cfg.AckWait
		}
		if cfg.Replicas > 0 {
			js.Replicas = cfg.Replicas
		}
		q, err := dispatch.NewJetStreamQueue(ctx, js)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeDispatch, "open task queue",
				errors.WithMetadata("stream", js.Stream))
		}
		return q, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown dispatch backend %q", cfg.Backend)
	}
}

// Close releases the queue, the store and the NATS connection, in that
// order.
func (b *Backends) Close() error {
	var errs []error
	if b.Queue != nil {
		errs = append(errs, b.Queue.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.Conn != nil {
		b.Conn.Close()
	}
	return stderrors.Join(errs...)
}

// OnShutdown lets Backends be registered with a shutdown coordinator.
func (b *Backends) OnShutdown(context.Context) error {
	return b.Close()
}
