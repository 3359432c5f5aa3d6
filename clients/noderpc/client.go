package noderpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultReadAttempts  = 3
	defaultRetryInterval = 250 * time.Millisecond
)

// Config controls how the Client connects to the node RPC endpoint.
type Config struct {
	BaseURL         string
	BearerToken     string
	TLSClientCAFile string
	AllowInsecure   bool
	Timeout         time.Duration
	// ReadAttempts bounds retries of read-only calls. Writes are never
	// retried.
	ReadAttempts  uint
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// Client implements the subset of JSON-RPC 2.0 used by the clearinghouse
// adapters.
type Client struct {
	baseURL       string
	http          *http.Client
	bearer        string
	readAttempts  uint
	retryInterval time.Duration
	logger        *slog.Logger
	nextID        atomic.Int64
}

// NewClient constructs a Client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else if path := strings.TrimSpace(cfg.TLSClientCAFile); path != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read client ca file: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(pemBytes); !ok {
			return nil, fmt.Errorf("append client ca certificates: invalid pem data")
		}
		tlsConfig.RootCAs = pool
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.ReadAttempts
	if attempts == 0 {
		attempts = defaultReadAttempts
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:       baseURL,
		http:          &http.Client{Timeout: timeout, Transport: &http.Transport{TLSClientConfig: tlsConfig}},
		bearer:        strings.TrimSpace(cfg.BearerToken),
		readAttempts:  attempts,
		retryInterval: interval,
		logger:        logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// statusError reports a non-2xx HTTP response.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string { return fmt.Sprintf("rpc call failed with status %s", e.status) }

// Call performs a single JSON-RPC request.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	reqBody := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Client", "clearingd")
	if c.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call rpc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, status: resp.Status}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// retryable reports whether a failed read is worth repeating. Application
// errors from the node are final; transport failures and 5xx/429 are not.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		return status.code == http.StatusTooManyRequests || status.code >= 500
	}
	return true
}

// read performs an idempotent call with exponential backoff.
func read[T any](ctx context.Context, c *Client, method string, params ...any) (T, error) {
	return retry.DoWithData[T](func() (T, error) {
		var out T
		err := c.Call(ctx, method, params, &out)
		return out, err
	},
		retry.Context(ctx),
		retry.Attempts(c.readAttempts),
		retry.Delay(c.retryInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("node rpc read failed, retrying",
				slog.String("method", method),
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err))
		}),
	)
}

// write performs a state-changing call exactly once.
func write[T any](ctx context.Context, c *Client, method string, params ...any) (T, error) {
	var out T
	err := c.Call(ctx, method, params, &out)
	return out, err
}
