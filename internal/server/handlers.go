package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/inkclock/tagcache/internal/cache"
)

type handlers struct {
	store   cache.Store
	logger  logrus.FieldLogger
	sweeper SweepReporter
	timeout time.Duration
}

// warmupRequest 是 POST /-/warmup 的请求体，ttl 以秒为单位。
type warmupRequest struct {
	Items map[string]warmupItem `json:"items"`
}

type warmupItem struct {
	Value string   `json:"value"`
	TTL   int64    `json:"ttl"`
	Tags  []string `json:"tags"`
}

func (h *handlers) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func (h *handlers) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) stats(c fiber.Ctx) error {
	ctx, cancel := h.opContext()
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		return h.renderError(c, "stats", err)
	}
	body := fiber.Map{"cache": stats}
	if h.sweeper != nil {
		body["last_sweep"] = h.sweeper.LastRun()
	}
	return c.JSON(body)
}

func (h *handlers) flush(c fiber.Ctx) error {
	tags := queryValues(c, "tag")
	if len(tags) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tag_required"})
	}

	ctx, cancel := h.opContext()
	defer cancel()

	removed, err := h.store.FlushByTags(ctx, tags...)
	if err != nil {
		return h.renderError(c, "flush", err)
	}
	return c.JSON(fiber.Map{"flushed": removed, "tags": tags})
}

func (h *handlers) sweep(c fiber.Ctx) error {
	ctx, cancel := h.opContext()
	defer cancel()

	purged, err := h.store.ClearExpired(ctx)
	if err != nil {
		return h.renderError(c, "sweep", err)
	}
	return c.JSON(fiber.Map{"purged": purged})
}

func (h *handlers) warmup(c fiber.Ctx) error {
	var req warmupRequest
	if err := sonic.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}

	items := make(map[string]cache.WarmupItem, len(req.Items))
	for key, item := range req.Items {
		ttl, err := secondsToDuration(item.TTL)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_ttl", "key": key})
		}
		items[key] = cache.WarmupItem{
			Value: []byte(item.Value),
			TTL:   ttl,
			Tags:  item.Tags,
		}
	}

	ctx, cancel := h.opContext()
	defer cancel()

	written := h.store.Warmup(ctx, items)
	return c.JSON(fiber.Map{"written": written, "requested": len(items)})
}

func (h *handlers) tagKeys(c fiber.Ctx) error {
	tag, err := url.PathUnescape(c.Params("tag"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tag"})
	}
	keys, err := h.store.TagKeys(tag)
	if err != nil {
		return h.renderError(c, "tag_keys", err)
	}
	return c.JSON(fiber.Map{"tag": tag, "keys": keys})
}

func (h *handlers) getEntry(c fiber.Ctx) error {
	key, err := entryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	}

	ctx, cancel := h.opContext()
	defer cancel()

	value, err := h.store.Get(ctx, key)
	if err != nil {
		return h.renderError(c, "get", err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(value)
}

func (h *handlers) putEntry(c fiber.Ctx) error {
	key, err := entryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	}

	var opts []cache.SetOption
	if raw := c.Query("ttl"); raw != "" {
		ttl, err := parseTTL(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_ttl"})
		}
		opts = append(opts, cache.WithTTL(ttl))
	}
	if tags := queryValues(c, "tag"); len(tags) > 0 {
		opts = append(opts, cache.WithTags(tags...))
	}

	value := append([]byte(nil), c.Body()...)

	ctx, cancel := h.opContext()
	defer cancel()

	if err := h.store.Set(ctx, key, value, opts...); err != nil {
		return h.renderError(c, "set", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) deleteEntry(c fiber.Ctx) error {
	key, err := entryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_key"})
	}

	ctx, cancel := h.opContext()
	defer cancel()

	if err := h.store.Delete(ctx, key); err != nil {
		return h.renderError(c, "delete", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) clear(c fiber.Ctx) error {
	ctx, cancel := h.opContext()
	defer cancel()

	if err := h.store.Clear(ctx); err != nil {
		return h.renderError(c, "clear", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// renderError 将缓存错误映射为确定的状态码。
func (h *handlers) renderError(c fiber.Ctx, action string, err error) error {
	status := fiber.StatusInternalServerError
	code := "storage_error"
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	case errors.Is(err, cache.ErrInvalidKey):
		status, code = fiber.StatusBadRequest, "invalid_key"
	case errors.Is(err, cache.ErrLockTimeout):
		status, code = fiber.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = fiber.StatusGatewayTimeout, "timeout"
	}

	h.logger.WithFields(logrus.Fields{
		"action":     action,
		"request_id": RequestID(c),
		"error":      err.Error(),
	}).Warn("admin request failed")

	return c.Status(status).JSON(fiber.Map{"error": code})
}

func entryKey(c fiber.Ctx) (string, error) {
	key, err := url.PathUnescape(c.Params("key"))
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", cache.ErrInvalidKey
	}
	return key, nil
}

func queryValues(c fiber.Ctx, name string) []string {
	raw := c.Request().URI().QueryArgs().PeekMulti(name)
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if len(v) > 0 {
			values = append(values, string(v))
		}
	}
	return values
}

// parseTTL 接受 Go duration 字符串或纯秒数。
func parseTTL(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return secondsToDuration(seconds)
}

// maxTTLSeconds 是 time.Duration 能表示的最大秒数。
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

func secondsToDuration(seconds int64) (time.Duration, error) {
	if seconds > maxTTLSeconds || seconds < -maxTTLSeconds {
		return 0, fmt.Errorf("ttl %d seconds out of range", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
