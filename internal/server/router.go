package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inkclock/tagcache/internal/cache"
	"github.com/inkclock/tagcache/internal/logging"
	"github.com/inkclock/tagcache/internal/maintenance"
)

// SweepReporter exposes the last scheduled sweep; *maintenance.Sweeper satisfies it.
type SweepReporter interface {
	LastRun() maintenance.RunResult
}

// AppOptions wires the admin application to its collaborators.
type AppOptions struct {
	Logger   logrus.FieldLogger
	Store    cache.Store
	Gatherer prometheus.Gatherer
	Sweeper  SweepReporter
	// OpTimeout bounds every cache call issued by a handler.
	OpTimeout time.Duration
}

const (
	contextKeyRequestID = "_tagcache_request_id"
	defaultOpTimeout    = 30 * time.Second
)

// NewApp builds the Fiber admin application with request-ID middleware and
// structured access logging.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &handlers{
		store:   opts.Store,
		logger:  opts.Logger,
		sweeper: opts.Sweeper,
		timeout: opts.OpTimeout,
	}

	admin := app.Group("/-")
	admin.Get("/healthz", h.health)
	admin.Get("/stats", h.stats)
	admin.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	admin.Post("/flush", h.flush)
	admin.Post("/sweep", h.sweep)
	admin.Post("/warmup", h.warmup)
	admin.Get("/tags/:tag", h.tagKeys)
	admin.Get("/entries/:key", h.getEntry)
	admin.Put("/entries/:key", h.putEntry)
	admin.Delete("/entries/:key", h.deleteEntry)
	admin.Delete("/entries", h.clear)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger logrus.FieldLogger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		start := time.Now()
		err := c.Next()

		fields := logging.RequestFields(reqID, c.Method(), c.Path(), c.Response().StatusCode())
		fields["action"] = "admin_request"
		fields["duration"] = time.Since(start).String()
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.WithFields(fields).Debug("admin request")
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
