package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/remotefs/remotefs/internal/circuit"
	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// RequestIDHeader carries the per-request id. The reference server echoes it.
const RequestIDHeader = "X-Request-ID"

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "remotefs"
	maxErrorBody     = 4096
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string

	// Breaker enables the circuit breaker when non-nil.
	Breaker *circuit.Config

	Metrics    types.MetricsCollector
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// Client talks to the remote REST API. Every method is one blocking HTTP
// round trip bounded by the configured timeout. Nothing is retried here.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	breaker   *circuit.CircuitBreaker
	metrics   types.MetricsCollector
	logger    *logrus.Entry
}

var _ types.RemoteAPI = (*Client)(nil)

type breakerGauge interface {
	SetBreakerState(state int)
}

// NewClient creates a client for the API rooted at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "invalid server url %q", cfg.BaseURL).
			WithComponent("remote")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.ComponentLogger("remote")
	}

	c := &Client{
		baseURL:   strings.TrimRight(u.String(), "/"),
		userAgent: userAgent,
		http:      httpClient,
		metrics:   cfg.Metrics,
		logger:    logger,
	}

	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		// Only transport failures count against the breaker; a 404 means
		// the server is healthy.
		bc.IsSuccessful = func(err error) bool { return err == nil || !errors.IsRetryable(err) }
		userHook := bc.OnStateChange
		bc.OnStateChange = func(name string, from, to circuit.State) {
			logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("remote circuit breaker changed state")
			if g, ok := cfg.Metrics.(breakerGauge); ok {
				g.SetBreakerState(int(to))
			}
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		c.breaker = circuit.NewCircuitBreaker("remote", bc)
	}

	return c, nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// List returns the entries of the directory at path sorted by name.
func (c *Client) List(ctx context.Context, path string) ([]types.FileInfo, error) {
	resp, err := c.call(ctx, "list", http.MethodGet, c.endpoint("list", path), nil, nil)
	if err != nil {
		return nil, err
	}
	if code := listStatus(resp.status); code != "" {
		return nil, c.statusError("list", path, resp, code)
	}

	entries, err := decodeList(resp.body)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"path": path, "request_id": resp.requestID}).
			WithError(err).Warn("malformed list response")
		return nil, errors.Newf(errors.ErrCodeBadResponse, "malformed list response for %s", path).
			WithComponent("remote").WithOperation("list").WithCause(err).WithRequestID(resp.requestID)
	}

	out := make([]types.FileInfo, 0, len(entries))
	for _, e := range entries {
		if utils.ValidateName(e.Name) != nil {
			c.logger.WithFields(logrus.Fields{"path": path, "name": e.Name}).Warn("skipping invalid entry name")
			continue
		}
		out = append(out, e.FileInfo())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat returns the entry at path. It asks HEAD /files first and falls back
// to listing the parent for directories and for servers without HEAD.
func (c *Client) Stat(ctx context.Context, path string) (types.FileInfo, error) {
	path = utils.CleanRemotePath(path)
	if path == "/" {
		if _, err := c.List(ctx, "/"); err != nil {
			return types.FileInfo{}, err
		}
		return types.FileInfo{Name: "/", IsDir: true}, nil
	}

	resp, err := c.call(ctx, "stat", http.MethodHead, c.endpoint("files", path), nil, nil)
	if err != nil {
		return types.FileInfo{}, err
	}

	_, name := utils.SplitRemotePath(path)
	switch {
	case resp.status >= 200 && resp.status < 300:
		fi := types.FileInfo{Name: name}
		if n, err := strconv.ParseInt(resp.header.Get("Content-Length"), 10, 64); err == nil {
			fi.Size = n
		}
		if t, err := http.ParseTime(resp.header.Get("Last-Modified")); err == nil {
			fi.ModTime = t
		}
		return fi, nil
	case resp.status == http.StatusNotFound:
		return types.FileInfo{}, c.statusError("stat", path, resp, errors.ErrCodeNotFound)
	}

	return c.statFromParent(ctx, path)
}

func (c *Client) statFromParent(ctx context.Context, path string) (types.FileInfo, error) {
	dir, name := utils.SplitRemotePath(path)
	entries, err := c.List(ctx, dir)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotADirectory {
			return types.FileInfo{}, errors.Newf(errors.ErrCodeNotFound, "%s: parent is not a directory", path).
				WithComponent("remote").WithOperation("stat").WithCause(err)
		}
		return types.FileInfo{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return types.FileInfo{}, errors.Newf(errors.ErrCodeNotFound, "%s not found", path).
		WithComponent("remote").WithOperation("stat")
}

// Read returns the full content of the file at path.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.call(ctx, "read", http.MethodGet, c.endpoint("files", path), nil, nil)
	if err != nil {
		return nil, err
	}
	if code := errors.FromHTTPStatus(resp.status, true); code != "" {
		if resp.status == http.StatusConflict {
			code = errors.ErrCodeIsADirectory
		}
		return nil, c.statusError("read", path, resp, code)
	}
	return resp.body, nil
}

// Write replaces the content of the file at path, creating it if absent.
func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	hdr := http.Header{"Content-Type": []string{"application/octet-stream"}}
	resp, err := c.call(ctx, "write", http.MethodPut, c.endpoint("files", path), data, hdr)
	if err != nil {
		return err
	}
	if code := errors.FromHTTPStatus(resp.status, false); code != "" {
		if resp.status == http.StatusConflict {
			code = errors.ErrCodeIsADirectory
		}
		return c.statusError("write", path, resp, code)
	}
	return nil
}

// Mkdir creates the directory at path.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	resp, err := c.call(ctx, "mkdir", http.MethodPost, c.endpoint("mkdir", path), nil, nil)
	if err != nil {
		return err
	}
	if code := errors.FromHTTPStatus(resp.status, false); code != "" {
		return c.statusError("mkdir", path, resp, code)
	}
	return nil
}

// Delete removes the file or directory tree at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.call(ctx, "delete", http.MethodDelete, c.endpoint("files", path), nil, nil)
	if err != nil {
		return err
	}
	if code := errors.FromHTTPStatus(resp.status, false); code != "" {
		return c.statusError("delete", path, resp, code)
	}
	return nil
}

// Rename moves from to to. Whether an existing destination is replaced is
// up to the server; a refusal surfaces as AlreadyExists.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	body, err := json.Marshal(types.RenameRequest{
		From: utils.CleanRemotePath(from),
		To:   utils.CleanRemotePath(to),
	})
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "encode rename request").WithCause(err)
	}
	hdr := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := c.call(ctx, "rename", http.MethodPost, c.baseURL+"/rename", body, hdr)
	if err != nil {
		return err
	}
	if code := errors.FromHTTPStatus(resp.status, false); code != "" {
		if resp.status == http.StatusBadRequest && serverCode(resp.body) != errors.ErrCodeNotADirectory {
			code = errors.ErrCodeInvalidArgument
		}
		return c.statusError("rename", from, resp, code)
	}
	return nil
}

// Health probes GET /health. Any failure, including a non-2xx status, is
// reported as a connection failure.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.call(ctx, "health", http.MethodGet, c.baseURL+"/health", nil, nil)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status >= 300 {
		return c.statusError("health", "/health", resp, errors.ErrCodeConnectionFailed)
	}
	return nil
}

// endpoint builds <base>/<kind>/<escaped path>. The root maps to <base>/<kind>/.
func (c *Client) endpoint(kind, path string) string {
	path = utils.CleanRemotePath(path)

	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/")
	b.WriteString(kind)
	if path == "/" {
		b.WriteString("/")
		return b.String()
	}
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		b.WriteString("/")
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

type response struct {
	status    int
	header    http.Header
	body      []byte
	requestID string
}

func (c *Client) call(ctx context.Context, op, method, target string, body []byte, hdr http.Header) (*response, error) {
	start := time.Now()
	requestID := uuid.NewString()

	var resp *response
	run := func(ctx context.Context) error {
		var err error
		resp, err = c.roundTrip(ctx, op, method, target, body, hdr, requestID)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.ExecuteWithContext(ctx, run)
		if stderrors.Is(err, circuit.ErrOpenState) || stderrors.Is(err, circuit.ErrTooManyRequests) {
			rfe := errors.NewError(errors.ErrCodeConnectionFailed, "remote server unavailable").
				WithComponent("remote").WithOperation(op).WithCause(err).WithRequestID(requestID)
			rfe.Retryable = false
			err = rfe
		}
	} else {
		err = run(ctx)
	}

	duration := time.Since(start)
	fields := logrus.Fields{"method": method, "url": target, "request_id": requestID, "duration": duration}
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Debug("remote request failed")
		c.record(op, duration, int64(len(body)), err)
		return nil, err
	}

	fields["status"] = resp.status
	c.logger.WithFields(fields).Debug("remote request")

	size := int64(len(body)) + int64(len(resp.body))
	var outcome error
	if resp.status >= 300 {
		outcome = fmt.Errorf("status %d", resp.status)
	}
	c.record(op, duration, size, outcome)
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, target string, body []byte, hdr http.Header, requestID string) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeInternalError, "build %s request", op).
			WithComponent("remote").WithOperation(op).WithCause(err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, requestID)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, target, requestID, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(op, target, requestID, err)
	}

	return &response{
		status:    httpResp.StatusCode,
		header:    httpResp.Header,
		body:      data,
		requestID: requestID,
	}, nil
}

func (c *Client) record(op string, duration time.Duration, size int64, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordOperation("remote_"+op, duration, size, err == nil)
	if err != nil {
		c.metrics.RecordError("remote_"+op, err)
	}
}

func (c *Client) statusError(op, path string, resp *response, code errors.ErrorCode) error {
	msg := serverMessage(resp.body)
	if msg == "" {
		msg = http.StatusText(resp.status)
	}

	rfe := errors.Newf(code, "%s %s: %s", op, utils.CleanRemotePath(path), msg).
		WithComponent("remote").
		WithOperation(op).
		WithRequestID(resp.requestID).
		WithDetail("status", resp.status)

	if code == errors.ErrCodeBadResponse {
		c.logger.WithFields(logrus.Fields{
			"operation":  op,
			"path":       path,
			"status":     resp.status,
			"request_id": resp.requestID,
		}).Warn("unexpected response from remote server")
	}
	return rfe
}

func transportError(op, target, requestID string, err error) error {
	code := errors.ErrCodeConnectionFailed
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		code = errors.ErrCodeOperationTimeout
	}
	return errors.Newf(code, "%s request to %s failed", op, target).
		WithComponent("remote").
		WithOperation(op).
		WithCause(err).
		WithRequestID(requestID)
}

// listStatus maps a list response status. A 400 means the path is a file.
func listStatus(status int) errors.ErrorCode {
	return errors.FromHTTPStatus(status, false)
}

// serverMessage extracts {"error": "..."} from a body, falling back to a
// short plain-text excerpt.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var er types.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return er.Error
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "<") {
		return ""
	}
	return text
}

// serverCode returns the error code a structured error body carries, if any.
func serverCode(body []byte) errors.ErrorCode {
	var er types.ErrorResponse
	if len(body) == 0 || json.Unmarshal(body, &er) != nil {
		return ""
	}
	return errors.ErrorCode(er.Code)
}

// wireEntry accepts both list formats: the rich one and the bare
// {"name","isDirectory"} form.
type wireEntry struct {
	types.ListEntry
	IsDirectory bool `json:"isDirectory"`
}

func decodeList(body []byte) ([]types.ListEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	var raw []wireEntry
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, err
		}
	case '{':
		var wrapped struct {
			Entries *[]wireEntry `json:"entries"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Entries == nil {
			return nil, fmt.Errorf("missing entries field")
		}
		raw = *wrapped.Entries
	default:
		return nil, fmt.Errorf("unexpected list body")
	}

	out := make([]types.ListEntry, 0, len(raw))
	for _, w := range raw {
		e := w.ListEntry
		e.IsDir = e.IsDir || w.IsDirectory
		out = append(out, e)
	}
	return out, nil
}
