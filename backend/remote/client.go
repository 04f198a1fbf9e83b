package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/adeilh/go-durable/backend"
	"github.com/adeilh/go-durable/codec"
)

// Client is a backend.Backend that talks to a Server.
type Client[T any] struct {
	resty  *resty.Client
	codec  codec.Codec[T]
	closed atomic.Bool
}

// NewClient builds a client for the server at WithBaseURL. A nil codec
// defaults to JSON.
func NewClient[T any](c codec.Codec[T], opts ...ClientOption) (*Client[T], error) {
	cfg := defaultClientOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base URL is required")
	}
	if c == nil {
		c = codec.JSON[T]{}
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if len(cfg.Headers) > 0 {
		rc.SetHeaders(cfg.Headers)
	}
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client[T]{resty: rc, codec: c}, nil
}

func path(name, suffix string) string {
	return "/v1/containers/" + base64.RawURLEncoding.EncodeToString([]byte(name)) + suffix
}

func (c *Client[T]) do(ctx context.Context, method, url string, body, result any) error {
	if c.closed.Load() {
		return backend.ErrClosed
	}
	req := c.resty.R().SetContext(ctx).SetError(&errorBody{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("remote: %s %s: %w", method, url, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := strings.TrimSpace(resp.String())
	if eb, ok := resp.Error().(*errorBody); ok && eb.Error != "" {
		msg = eb.Error
	}
	return statusError(resp.StatusCode(), msg)
}

// statusError reverses statusOf.
func statusError(code int, msg string) error {
	var sentinel error
	switch code {
	case http.StatusNotFound:
		sentinel = backend.ErrNotFound
	case http.StatusUnprocessableEntity:
		sentinel = backend.ErrCorrupt
	case http.StatusConflict:
		sentinel = backend.ErrConflict
	case http.StatusServiceUnavailable:
		sentinel = backend.ErrClosed
	case http.StatusNotImplemented:
		sentinel = errors.ErrUnsupported
	default:
		return fmt.Errorf("remote: http %d: %s", code, msg)
	}
	return fmt.Errorf("remote: %w: %s", sentinel, msg)
}

func (c *Client[T]) Exists(ctx context.Context, name string) (bool, error) {
	var out existsBody
	if err := c.do(ctx, resty.MethodGet, path(name, "/exists"), nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (c *Client[T]) Load(ctx context.Context, name string) (map[string]T, error) {
	var out entriesBody
	if err := c.do(ctx, resty.MethodGet, path(name, ""), nil, &out); err != nil {
		return nil, err
	}
	entries := make(map[string]T, len(out.Entries))
	for k, data := range out.Entries {
		v, err := c.codec.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", backend.ErrCorrupt, k, err)
		}
		entries[k] = v
	}
	return entries, nil
}

func (c *Client[T]) LoadLastUpdated(ctx context.Context, name string) (map[string]time.Time, error) {
	var out updatedBody
	if err := c.do(ctx, resty.MethodGet, path(name, "/updated"), nil, &out); err != nil {
		return nil, err
	}
	if out.Updated == nil {
		out.Updated = map[string]time.Time{}
	}
	return out.Updated, nil
}

func (c *Client[T]) Save(ctx context.Context, name string, snapshot map[string]T) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	body := entriesBody{Entries: make(map[string][]byte, len(snapshot))}
	for k, v := range snapshot {
		data, err := c.codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("remote: encode %q: %w", k, err)
		}
		body.Entries[k] = data
	}
	return c.do(ctx, resty.MethodPut, path(name, ""), body, nil)
}

func (c *Client[T]) Delete(ctx context.Context, name string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.do(ctx, resty.MethodPost, path(name, "/delete"), deleteBody{Keys: keys}, nil)
}

// Close drops idle connections. Later calls fail with backend.ErrClosed.
func (c *Client[T]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.resty.GetClient().CloseIdleConnections()
	return nil
}

var (
	_ backend.Backend[int]      = (*Client[int])(nil)
	_ backend.LastUpdatedLoader = (*Client[int])(nil)
	_ backend.Deleter           = (*Client[int])(nil)
)
