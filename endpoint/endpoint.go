// Package endpoint serves push-style task delivery over HTTP.
//
// A push dispatcher POSTs the encoded envelope as the request body. The
// response status tells it whether to redeliver: 204 means the outcome is
// recorded, 400 means the payload can never be decoded and must be dropped,
// and 500 means the outcome could not be persisted and the delivery should
// be retried.
package endpoint

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/vinayprograms/completionkit/envelope"
	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/executor"
	"github.com/vinayprograms/completionkit/logging"
	"github.com/vinayprograms/completionkit/telemetry"
)

// HeaderAttempt carries the push queue's delivery attempt, when it has one.
const HeaderAttempt = "X-Delivery-Attempt"

// Handler executes one encoded envelope. *executor.Executor satisfies it.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// Config configures the delivery endpoint.
type Config struct {
	// Listen is the TCP address to bind.
	// Default: ":8080"
	Listen string `koanf:"listen" validate:"required"`

	// Path is the route that accepts envelopes.
	// Default: "/completion/tasks"
	Path string `koanf:"path" validate:"required,startswith=/"`

	// MaxBodyBytes rejects larger bodies with 413. It should match the
	// submitter's envelope ceiling.
	// Default: envelope.DefaultMaxBytes
	MaxBodyBytes int `koanf:"max_body_bytes" validate:"gte=0"`

	// ReadTimeout bounds reading a request.
	// Default: 10s
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// ShutdownTimeout bounds draining in-flight requests when Run's context
	// ends.
	// Default: 30s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          ":8080",
		Path:            "/completion/tasks",
		MaxBodyBytes:    envelope.DefaultMaxBytes,
		ReadTimeout:     10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Server is the HTTP delivery endpoint.
type Server struct {
	cfg Config
	h   Handler
	log *logrus.Entry
	e   *echo.Echo

	mu   sync.Mutex
	addr net.Addr
}

// New builds a Server. It does not listen until Run.
func New(cfg Config, h Handler, log *logrus.Entry) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg: cfg,
		h:   h,
		log: logging.Component(log, "endpoint"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.ReadHeaderTimeout = cfg.ReadTimeout

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			s.log.WithError(err).WithField("stack", string(stack)).Error("handler panic")
			return err
		},
	}))
	e.Use(middleware.RequestID())
	e.Use(s.requestLog)
	e.Use(middleware.BodyLimit(strconv.Itoa(cfg.MaxBodyBytes) + "B"))

	e.POST(cfg.Path, s.deliver)
	s.e = e
	return s
}

// ServeHTTP lets the endpoint be mounted in another server or driven by
// httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Addr is the bound address once Run is listening, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on cfg.Listen and serves until ctx ends, then drains
// in-flight requests for up to ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "listen", errors.WithMetadata("listen", s.cfg.Listen))
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.e.Listener = ln

	s.log.WithField("addr", ln.Addr().String()).WithField("path", s.cfg.Path).Info("delivery endpoint listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.e.Start("") }()

	select {
	case err := <-serveErr:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.OnShutdown(sctx); err != nil {
		return err
	}
	<-serveErr
	return nil
}

// OnShutdown stops accepting requests and waits for in-flight deliveries.
func (s *Server) OnShutdown(ctx context.Context) error {
	if err := s.e.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown delivery endpoint")
	}
	return nil
}

func (s *Server) deliver(c echo.Context) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, echo.MIMEOctetStream) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "expected "+echo.MIMEOctetStream)
	}

	body, err := readBody(c)
	if err != nil {
		return err
	}

	ctx := telemetry.ExtractHTTP(c.Request().Context(), c.Request().Header)
	if n, err := strconv.Atoi(c.Request().Header.Get(HeaderAttempt)); err == nil && n > 0 {
		ctx = executor.ContextWithAttempt(ctx, n)
	}
	// The outcome write must finish even if the pusher hangs up.
	ctx = context.WithoutCancel(ctx)

	if err := s.h.Handle(ctx, body); err != nil {
		if errors.Is(err, errors.ErrCodeInvalidInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.log.WithError(err).
			WithField("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Warn("delivery not recorded")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if stderrors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty body")
	}
	return body, nil
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req, res := c.Request(), c.Response()
		entry := s.log.WithFields(logrus.Fields{
			"method":     req.Method,
			"path":       req.URL.Path,
			"remote_ip":  c.RealIP(),
			"status":     res.Status,
			"bytes_in":   req.ContentLength,
			"latency":    time.Since(start).String(),
			"request_id": res.Header().Get(echo.HeaderXRequestID),
		})
		if n := req.Header.Get(HeaderAttempt); n != "" {
			entry = entry.WithField(logging.FieldAttempt, n)
		}
		switch {
		case res.Status >= http.StatusInternalServerError:
			entry.Warn("delivery request")
		case res.Status >= http.StatusBadRequest:
			entry.Info("delivery request")
		default:
			entry.Debug("delivery request")
		}
		return nil
	}
}
