package kansoku

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ConnState is the lifecycle state of a Conn.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

const (
	backoffBase = time.Second
	backoffMax  = 5 * time.Second
)

// Backoff returns the reconnect delay after attempt consecutive unplanned
// closes: 1s, 2s, 4s, then 5s from there on.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 3 {
		return backoffMax
	}
	return min(backoffBase<<attempt, backoffMax)
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. Tests substitute one that records delays and
// fires on demand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	// URL is the server root ("http://host:8080"); the scheme is switched to
	// ws or wss.
	URL     string
	TopicID string

	// Token is called once per connection attempt.
	Token func(ctx context.Context) (string, error)

	// Since, when set, returns the epoch-ms instant from which the server
	// replays logged events on each attempt. Zero means live only.
	Since func() int64

	// OnFrame receives every text frame in delivery order. It is called from
	// a single goroutine per connection.
	OnFrame func(data []byte)

	// OnState receives every state transition.
	OnState func(ConnState)

	// OnUnauthorized is called when the server rejects the token. The Conn
	// is closed and does not retry.
	OnUnauthorized func(error)

	Scheduler  Scheduler
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Conn owns one live event subscription for a topic. Unplanned closes are
// retried indefinitely with capped exponential backoff until Close.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	mu      sync.Mutex
	state   ConnState
	attempt int
	gen     uint64
	timer   Timer
	cancel  context.CancelFunc
	done    bool
}

// Dial starts a Conn in the connecting state. It returns immediately; the
// first attempt runs in the background.
func Dial(cfg ConnConfig) (*Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("kansoku: URL is required")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("kansoku: TopicID is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("kansoku: Token is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Conn{cfg: cfg, logger: logger, state: StateConnecting}
	c.emit(StateConnecting)
	go c.connect(0)
	return c, nil
}

// State returns the current state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the subscription and suppresses any further reconnects.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.emit(StateClosed)
}

// connect runs one attempt for generation gen. Results from an attempt
// whose generation is no longer current are discarded.
func (c *Conn) connect(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.done || gen != c.gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	token, err := c.cfg.Token(ctx)
	if err != nil {
		if IsUnauthorized(err) {
			c.reject(gen, err)
			return
		}
		c.lost(gen, err)
		return
	}

	ws, resp, err := websocket.Dial(ctx, c.endpoint(token), &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.reject(gen, &Error{StatusCode: resp.StatusCode, Code: "UNAUTHORIZED", Message: err.Error()})
			return
		}
		c.lost(gen, err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	c.mu.Lock()
	if c.done || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.attempt = 0
	c.mu.Unlock()
	c.emit(StateConnected)
	c.logger.Debug("kansoku: connected", "topic_id", c.cfg.TopicID)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				c.reject(gen, &Error{StatusCode: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "event stream rejected the token"})
				return
			}
			c.lost(gen, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !c.current(gen) {
			return
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(data)
		}
	}
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.done && gen == c.gen
}

// lost schedules the next attempt after an unplanned close.
func (c *Conn) lost(gen uint64, cause error) {
	c.mu.Lock()
	if c.done || gen != c.gen {
		c.mu.Unlock()
		return
	}
	delay := Backoff(c.attempt)
	c.attempt++
	c.gen++
	next := c.gen
	c.state = StateReconnecting
	c.timer = c.cfg.Scheduler.AfterFunc(delay, func() { c.retry(next) })
	c.mu.Unlock()

	c.logger.Warn("kansoku: connection lost", "topic_id", c.cfg.TopicID, "retry_in", delay, "error", cause)
	c.emit(StateReconnecting)
}

func (c *Conn) retry(gen uint64) {
	c.mu.Lock()
	if c.done || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StateConnecting
	c.mu.Unlock()
	c.emit(StateConnecting)
	c.connect(gen)
}

// reject closes the Conn after an auth rejection.
func (c *Conn) reject(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	c.logger.Warn("kansoku: token rejected", "topic_id", c.cfg.TopicID)
	c.Close()
	if c.cfg.OnUnauthorized != nil {
		c.cfg.OnUnauthorized(err)
	}
}

func (c *Conn) emit(s ConnState) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Conn) endpoint(token string) string {
	base := strings.TrimRight(c.cfg.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("topicId", c.cfg.TopicID)
	q.Set("token", token)
	if c.cfg.Since != nil {
		if since := c.cfg.Since(); since > 0 {
			q.Set("since", strconv.FormatInt(since, 10))
		}
	}
	return base + "/ws?" + q.Encode()
}
