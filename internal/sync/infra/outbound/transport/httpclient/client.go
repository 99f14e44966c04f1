package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"go.uber.org/zap"
)

const (
	pushPath = "/sync/push"
	pullPath = "/sync/pull"

	maxErrorBody = 1024
)

// Options ajusta los reintentos internos. Los reintentos del outbox son aparte:
// aquí solo se absorben cortes breves dentro de un mismo ciclo.
type Options struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
}

// Client habla con el servidor de sync por HTTP/JSON. Implementa PushTransport y PullTransport.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	opts    Options
	log     *zap.Logger
}

func NewClient(baseURL, token string, opts Options, log *zap.Logger) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		log:     log,
	}
}

func (c *Client) Push(ctx context.Context, req domain.PushRequest) (*domain.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}

	var resp domain.PushResponse
	err = c.do(ctx, "push", func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pushPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Pull(ctx context.Context, req domain.PullRequest) (*domain.PullResponse, error) {
	q := url.Values{}
	if !req.Since.IsZero() {
		q.Set("since", req.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(req.Tables) > 0 {
		q.Set("tables", strings.Join(req.Tables, ","))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	target := c.baseURL + pullPath
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var resp domain.PullResponse
	err := c.do(ctx, "pull", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// do ejecuta la petición con reintentos sobre errores de red y 5xx. Un 4xx se devuelve al momento.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error), out interface{}) error {
	return utils.RetryIf(ctx, c.opts.Attempts, c.opts.Delay, isRetryable, func() error {
		req, err := build()
		if err != nil {
			return &domain.TransportError{Op: op, Err: err}
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		res, err := c.http.Do(req)
		if err != nil {
			c.log.Warn("⚠️ Sync server unreachable", zap.String("op", op), zap.Error(err))
			return &domain.TransportError{Op: op, Err: err}
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			return &domain.TransportError{
				Op:         op,
				StatusCode: res.StatusCode,
				Err:        errors.New(strings.TrimSpace(string(msg))),
			}
		}

		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return &domain.TransportError{Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
}

func isRetryable(err error) bool {
	var te *domain.TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.StatusCode == 0 || te.StatusCode >= 500 || te.StatusCode == http.StatusTooManyRequests
}

var (
	_ domain.PushTransport = (*Client)(nil)
	_ domain.PullTransport = (*Client)(nil)
)
