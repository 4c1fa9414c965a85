package middleware

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/course-file-server/internal/config"
	"github.com/iliyamo/course-file-server/internal/logging"
)

// captureWriter copies the response body (up to limit bytes) while
// forwarding it to the client.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	size   int64
	limit  int64
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	switch {
	case cw.limit <= 0:
		cw.buf.Write(b)
	case cw.size < cw.limit:
		remain := cw.limit - cw.size
		if int64(len(b)) <= remain {
			cw.buf.Write(b)
		} else {
			cw.buf.Write(b[:remain])
		}
	}
	cw.size += int64(len(b))
	return cw.ResponseWriter.Write(b)
}

// pathKey is the key segment shared by everything cached for one URL
// path.  Under it sit the generation counter (pathKey:gen) and the stored
// responses (pathKey:e:<gen>:<variant>).
func pathKey(prefix, path string) string {
	sum := sha1.Sum([]byte(path))
	return fmt.Sprintf("%s:%x", prefix, sum[:])
}

func genKey(prefix, path string) string {
	return pathKey(prefix, path) + ":gen"
}

// variantOf is the part of the request, beyond its path, the strategy
// keys on.  The route pattern is never used since every folder shares it.
func variantOf(cfg config.CacheConfig, r *http.Request) string {
	var variant string
	switch strings.ToLower(cfg.KeyStrategy) {
	case "path":
	case "method_path_query":
		variant = r.Method + "?" + r.URL.RawQuery
	default: // "path_query"
		variant = r.URL.RawQuery
	}
	sum := sha1.Sum([]byte(variant))
	return fmt.Sprintf("%x", sum[:8])
}

// entryKey is where the response for this request is stored while the
// path is at generation gen.
func entryKey(cfg config.CacheConfig, r *http.Request, gen int64) string {
	return fmt.Sprintf("%s:e:%d:%s", pathKey(cfg.Prefix, r.URL.Path), gen, variantOf(cfg, r))
}

// generation reads the path's counter; a path never invalidated is at 0.
func generation(ctx context.Context, rdb *redis.Client, key string) (int64, error) {
	gen, err := rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// encodePayload packs: [4 bytes status][4 bytes headerLen][headerJSON][body]
func encodePayload(status int, header http.Header, body []byte) ([]byte, error) {
	hdrJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(hdrJSON)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(hdrJSON)))
	copy(out[8:8+len(hdrJSON)], hdrJSON)
	copy(out[8+len(hdrJSON):], body)
	return out, nil
}

func decodePayload(bs []byte) (status int, header http.Header, body []byte, ok bool) {
	if len(bs) < 8 {
		return 0, nil, nil, false
	}
	status = int(binary.BigEndian.Uint32(bs[0:4]))
	hlen := int(binary.BigEndian.Uint32(bs[4:8]))
	if hlen < 0 || 8+hlen > len(bs) {
		return 0, nil, nil, false
	}
	header = make(http.Header)
	if hlen > 0 {
		if err := json.Unmarshal(bs[8:8+hlen], &header); err != nil {
			return 0, nil, nil, false
		}
	}
	return status, header, bs[8+hlen:], true
}

// NewRedisCache serves repeated GETs of a listing from Redis.  Only 200
// responses are stored, with their headers, so a hit is byte-identical to
// the original response.
func NewRedisCache(cfg config.CacheConfig, rdb *redis.Client, log logging.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return passThrough
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	maxBody := int64(cfg.MaxBodyBytes)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Methods[strings.ToUpper(c.Request().Method)] {
				return next(c)
			}

			ctx := c.Request().Context()
			gk := genKey(cfg.Prefix, c.Request().URL.Path)
			gen, err := generation(ctx, rdb, gk)
			if err != nil {
				log.Warn(ctx, "cache generation read failed", "key", gk, "err", err)
				return next(c)
			}
			key := entryKey(cfg, c.Request(), gen)

			if bs, err := rdb.Get(ctx, key).Bytes(); err == nil {
				if status, hdr, body, ok := decodePayload(bs); ok {
					for k, vals := range hdr {
						if strings.EqualFold(k, echo.HeaderContentLength) {
							continue
						}
						for _, v := range vals {
							c.Response().Header().Add(k, v)
						}
					}
					c.Response().Header().Set("X-Cache", "HIT")
					c.Response().WriteHeader(status)
					_, _ = c.Response().Write(body)
					return nil
				}
			} else if !errors.Is(err, redis.Nil) {
				log.Warn(ctx, "cache read failed", "key", key, "err", err)
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: maxBody}
			c.Response().Writer = cw
			c.Response().Header().Set("X-Cache", "MISS")

			if err := next(c); err != nil {
				return err
			}
			if cw.status != http.StatusOK || (maxBody > 0 && cw.size > maxBody) {
				return nil
			}

			hdr := c.Response().Header().Clone()
			hdr.Del("X-Cache")
			payload, err := encodePayload(cw.status, hdr, cw.buf.Bytes())
			if err != nil {
				return nil
			}
			// The response is already written; don't tie the store to a
			// request context that is about to be cancelled.
			wctx := context.WithoutCancel(ctx)
			// An upload that landed while next ran has bumped the generation
			// and this body may predate it.  Skip the write; if the bump
			// lands after this check the entry sits under a generation no
			// reader asks for and expires with its TTL.
			if now, err := generation(wctx, rdb, gk); err != nil || now != gen {
				return nil
			}
			if err := rdb.SetEx(wctx, key, payload, ttl).Err(); err != nil {
				log.Warn(ctx, "cache write failed", "key", key, "err", err)
			}
			return nil
		}
	}
}

// Invalidator retires every cached variant of a path.  A nil client makes
// it a no-op.
type Invalidator struct {
	rdb    *redis.Client
	prefix string
}

func NewInvalidator(cfg config.CacheConfig, rdb *redis.Client) *Invalidator {
	return &Invalidator{rdb: rdb, prefix: cfg.Prefix}
}

// Invalidate bumps the path's generation, which is what makes readers miss,
// then deletes the entries stored so far.  The generation key stays outside
// the deleted pattern.
func (iv *Invalidator) Invalidate(ctx context.Context, path string) error {
	if iv == nil || iv.rdb == nil {
		return nil
	}
	gk := genKey(iv.prefix, path)
	if err := iv.rdb.Incr(ctx, gk).Err(); err != nil {
		return fmt.Errorf("incr %s: %w", gk, err)
	}

	pattern := pathKey(iv.prefix, path) + ":e:*"
	iter := iv.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := iv.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %d keys: %w", len(keys), err)
	}
	return nil
}
