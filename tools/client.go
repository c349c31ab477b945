package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gliderlab/voxbridge/processtool"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4096

// ErrTruncatedStream means the stream closed before its trailer line
var ErrTruncatedStream = errors.New("stream ended without exit trailer")

// StatusError is a non-2xx answer from the gateway
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil && payload.Error != "" {
		body = payload.Error
	}
	if body == "" {
		return fmt.Sprintf("gateway returned %s", e.Status)
	}
	return fmt.Sprintf("gateway returned %s: %s", e.Status, body)
}

// ShellClient talks to the execution gateway
type ShellClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewShellClient creates a client for the gateway at baseURL. Requests carry
// no client-side timeout: the gateway owns execution timeouts and callers
// bound waits with their context.
func NewShellClient(baseURL, token string, logger zerolog.Logger) *ShellClient {
	return &ShellClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		logger:  logger.With().Str("component", "shell-client").Logger(),
	}
}

// Run executes req with buffered capture. A non-empty callID lets the
// gateway answer a retried call from its cache.
func (c *ShellClient) Run(ctx context.Context, req processtool.Request, callID string) (processtool.Result, error) {
	resp, err := c.post(ctx, "/tools/shell", req, callID)
	if err != nil {
		return processtool.Result{}, err
	}
	defer resp.Body.Close()

	var res processtool.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return processtool.Result{}, fmt.Errorf("decode result: %w", err)
	}
	res.Duration = time.Duration(res.DurationMs) * time.Millisecond
	c.logger.Debug().Str("call_id", callID).Str("outcome", res.Outcome()).Msg("buffered run finished")
	return res, nil
}

// Stream executes req on the streaming endpoint, copying chunks to echo as
// they arrive, and rebuilds the Result from the trailer
func (c *ShellClient) Stream(ctx context.Context, req processtool.Request, echo io.Writer) (processtool.Result, error) {
	start := time.Now()
	resp, err := c.post(ctx, "/tools/shell/stream", req, "")
	if err != nil {
		return processtool.Result{}, err
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	var dst io.Writer = &body
	if echo != nil {
		dst = io.MultiWriter(&body, echo)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return processtool.Result{}, fmt.Errorf("read stream: %w", err)
	}

	out, res, ok := processtool.ParseStream(body.Bytes())
	if !ok {
		return processtool.Result{}, ErrTruncatedStream
	}
	res.Stdout = out
	res.Duration = time.Since(start)
	res.DurationMs = res.Duration.Milliseconds()
	return res, nil
}

// Log forwards a client diagnostic to the gateway log sink
func (c *ShellClient) Log(ctx context.Context, msg string, fields any) error {
	resp, err := c.post(ctx, "/log", map[string]any{"msg": msg, "req": fields}, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Health checks that the gateway is up
func (c *ShellClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *ShellClient) post(ctx context.Context, path string, payload any, callID string) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if callID != "" {
		req.Header.Set("X-Call-ID", callID)
	}
	return c.do(req)
}

func (c *ShellClient) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	return resp, nil
}
