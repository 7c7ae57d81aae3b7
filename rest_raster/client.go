package rest_raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrNotFound    = errors.New("rest_raster: resource not found")
	ErrForbidden   = errors.New("rest_raster: access forbidden")
	ErrServerError = errors.New("rest_raster: server error")
)

// ClientOptions HTTP客户端配置
type ClientOptions struct {
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	Retries             int           // 传输错误或5xx时的额外重试次数
	RetryDelay          time.Duration // 首次重试等待，之后翻倍
	UserAgent           string
}

// DefaultClientOptions 默认客户端配置
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: 20,
		Retries:             0,
		RetryDelay:          500 * time.Millisecond,
		UserAgent:           "RestRaster/1.0",
	}
}

// Client 访问REST影像服务的HTTP客户端
type Client struct {
	httpClient *http.Client
	opts       ClientOptions
}

// NewClient 创建客户端，所有请求都受 Timeout 限制
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 20
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        opts.MaxIdleConnsPerHost * 5,
				MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
	}
}

// Response 响应体及内容类型
type Response struct {
	Data        []byte
	ContentType string
}

// Get 带重试的GET请求
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	var lastErr error
	delay := c.opts.RetryDelay

	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}

		resp, err := c.get(ctx, url)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

func (c *Client) get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrForbidden) && !errors.Is(err, errUnexpectedStatus)
}

var errUnexpectedStatus = errors.New("rest_raster: unexpected status code")

// checkStatusCode 非2xx状态码转换为错误
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return ErrForbidden
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("%w: %d", errUnexpectedStatus, code)
	}
}
