package kansoku

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kansoku server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a pre-issued bearer token. When empty, Username and Password
	// are exchanged for one on first use and again when it nears expiry.
	Token    string
	Username string
	Password string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Timeout bounds every REST call. Defaults to 10 seconds.
	Timeout time.Duration

	// OnUnauthorized is called when the server rejects the credentials,
	// over REST (401) or on the event stream (close code 1008).
	OnUnauthorized func(error)
}

// Client is an HTTP client for the kansoku API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL        string
	client         *http.Client
	timeout        time.Duration
	onUnauthorized func(error)
	tokens         *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or no credentials are given.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kansoku: BaseURL is required")
	}
	if cfg.Token == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, fmt.Errorf("kansoku: Token or Username and Password are required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("kansoku: invalid BaseURL: %w", err)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:        baseURL,
		client:         httpClient,
		timeout:        timeout,
		onUnauthorized: cfg.OnUnauthorized,
	}
	c.tokens = &tokenManager{
		client:   c,
		username: cfg.Username,
		password: cfg.Password,
		static:   cfg.Token,
		margin:   30 * time.Second,
	}
	return c, nil
}

// Token returns a valid bearer token, logging in if needed.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens.get(ctx)
}

// ListTopics returns a page of topics, newest first.
func (c *Client) ListTopics(ctx context.Context, limit, offset int) (*TopicList, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	var out TopicList
	if err := c.get(ctx, "/topics", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTopic creates a topic.
func (c *Client) CreateTopic(ctx context.Context, in CreateTopicInput) (*Topic, error) {
	var out Topic
	if err := c.post(ctx, "/topics", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTopic returns one topic.
func (c *Client) GetTopic(ctx context.Context, topicID string) (*Topic, error) {
	var out Topic
	if err := c.get(ctx, "/topics/"+url.PathEscape(topicID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTopic deletes a topic that has no open run.
func (c *Client) DeleteTopic(ctx context.Context, topicID string) error {
	return c.do(ctx, http.MethodDelete, "/topics/"+url.PathEscape(topicID), nil, nil, nil)
}

// Snapshot returns the point-in-time view of a topic.
func (c *Client) Snapshot(ctx context.Context, topicID string, opts SnapshotOptions) (*Snapshot, error) {
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.RunID != "" {
		params.Set("runId", opts.RunID)
	}
	var out Snapshot
	if err := c.get(ctx, "/topics/"+url.PathEscape(topicID)+"/snapshot", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRun opens a new run on the topic, superseding any open one.
func (c *Client) CreateRun(ctx context.Context, topicID string, in CreateRunInput) (*RunCreated, error) {
	var out RunCreated
	if err := c.post(ctx, "/topics/"+url.PathEscape(topicID)+"/runs", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Command sends a control command to one agent of the topic's run. The
// receipt only acknowledges queueing; progress arrives as events.
func (c *Client) Command(ctx context.Context, topicID string, agentID AgentID, in CommandInput) (*CommandReceipt, error) {
	var out CommandReceipt
	if err := c.post(ctx, agentPath(topicID, agentID, "command"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages returns an agent's conversation, oldest first. runID may be empty.
func (c *Client) Messages(ctx context.Context, topicID string, agentID AgentID, runID string) ([]Message, error) {
	params := url.Values{}
	if runID != "" {
		params.Set("runId", runID)
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, agentPath(topicID, agentID, "messages"), params, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PostMessage appends a user message to an agent's conversation and returns
// the messages it produced (the user message and the agent's reply).
func (c *Client) PostMessage(ctx context.Context, topicID string, agentID AgentID, content string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	body := map[string]string{"content": content}
	if err := c.post(ctx, agentPath(topicID, agentID, "messages"), body, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Trace returns the merged trace of a run. runID may be empty.
func (c *Client) Trace(ctx context.Context, topicID, runID string) (*TraceView, error) {
	params := url.Values{}
	if runID != "" {
		params.Set("runId", runID)
	}
	var out TraceView
	if err := c.get(ctx, "/topics/"+url.PathEscape(topicID)+"/trace", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ArtifactContent returns the stored bytes of an artifact.
func (c *Client) ArtifactContent(ctx context.Context, topicID, artifactID string) ([]byte, error) {
	var buf bytes.Buffer
	p := "/topics/" + url.PathEscape(topicID) + "/artifacts/" + url.PathEscape(artifactID)
	if err := c.do(ctx, http.MethodGet, p, nil, nil, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func agentPath(topicID string, agentID AgentID, leaf string) string {
	return "/topics/" + url.PathEscape(topicID) + "/agents/" + url.PathEscape(string(agentID)) + "/" + leaf
}

// --- HTTP helpers ---

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values, dest any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, dest)
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, dest)
}

// do performs one authenticated request bounded by the client timeout.
// dest is decoded from the {"data": ...} envelope, except that a
// *bytes.Buffer receives the raw body.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.tokens.get(ctx)
	if err != nil {
		return c.wrapTransport(ctx, err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kansoku: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("kansoku: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return c.wrapTransport(ctx, fmt.Errorf("kansoku: %s %s: %w", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := handleResponse(resp, dest); err != nil {
		if IsUnauthorized(err) {
			c.tokens.invalidate()
			c.unauthorized(err)
		}
		return c.wrapTransport(ctx, err)
	}
	return nil
}

// wrapTransport marks errors caused by the client timeout.
func (c *Client) wrapTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (c *Client) unauthorized(err error) {
	if c.onUnauthorized != nil {
		c.onUnauthorized(err)
	}
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kansoku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	if buf, ok := dest.(*bytes.Buffer); ok {
		_, _ = buf.Write(bodyBytes)
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kansoku: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("kansoku: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}

// tokenManager handles bearer token acquisition and refresh.
// It is safe for concurrent use.
type tokenManager struct {
	client   *Client
	username string
	password string
	static   string
	margin   time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (tm *tokenManager) get(ctx context.Context) (string, error) {
	if tm.static != "" {
		return tm.static, nil
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}
	if err := tm.login(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.mu.Unlock()
}

func (tm *tokenManager) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"username": tm.username, "password": tm.password})
	if err != nil {
		return fmt.Errorf("kansoku: marshal login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.client.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kansoku: create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("kansoku: login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := handleResponse(resp, &out); err != nil {
		if IsUnauthorized(err) {
			tm.client.unauthorized(err)
		}
		return err
	}
	if out.AccessToken == "" {
		return fmt.Errorf("kansoku: login response carried no token")
	}
	tm.token = out.AccessToken
	tm.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return nil
}
