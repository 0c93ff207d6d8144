// Package bot keeps a host-owned connection to the upstream bot's event
// stream purely so the UI can display connection state. Plugins never go
// through this client; they use the event fan-out.
package bot

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuyu-dev/yuyu/internal/config"
)

// reconnectDelay spaces reconnection attempts while the user wants to stay
// connected.
const reconnectDelay = 2 * time.Second

// Status is the UI-facing connection state.
type Status struct {
	Connected  bool `json:"connected"`
	Connecting bool `json:"connecting"`
}

// statusBusCapacity bounds each status subscriber's backlog.
const statusBusCapacity = 100

// Client maintains the status connection on demand.
type Client struct {
	botCfg *config.BotConfigStore
	client *http.Client
	log    zerolog.Logger

	connected     atomic.Bool
	connecting    atomic.Bool
	shouldConnect atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	subs    map[int]chan Status
	nextSub int
}

// NewClient creates a disconnected client.
func NewClient(botCfg *config.BotConfigStore, log zerolog.Logger) *Client {
	return &Client{
		botCfg: botCfg,
		client: &http.Client{},
		log:    log,
		subs:   make(map[int]chan Status),
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	return Status{Connected: c.connected.Load(), Connecting: c.connecting.Load()}
}

// Subscribe returns a feed of status changes and a cancel func.
func (c *Client) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Status, statusBusCapacity)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Client) publish() {
	status := c.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// Connect starts the status connection task. Idempotent while connected.
func (c *Client) Connect(parent context.Context) {
	if !c.shouldConnect.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
}

// Disconnect tears the connection down.
func (c *Client) Disconnect() {
	c.shouldConnect.Store(false)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

// AutoConnect connects once the config asks for it. Called after the host
// ports are ready so the UI sees a stable sequence of events at startup.
func (c *Client) AutoConnect(ctx context.Context) {
	if c.botCfg.Get().AutoConnect {
		c.Connect(ctx)
	}
}

func (c *Client) run(ctx context.Context) {
	defer func() {
		c.connected.Store(false)
		c.connecting.Store(false)
		c.publish()
	}()

	for c.shouldConnect.Load() && ctx.Err() == nil {
		c.connecting.Store(true)
		c.publish()

		if c.holdStream(ctx) {
			// Clean shutdown requested.
			return
		}

		c.connected.Store(false)
		c.connecting.Store(false)
		c.publish()

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// holdStream opens the upstream event stream and blocks while it stays
// healthy. Returns true when the disconnect was requested locally.
func (c *Client) holdStream(ctx context.Context) bool {
	cfg := c.botCfg.Get()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.EventURL(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("bot status connect failed")
		return ctx.Err() != nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Int("status", resp.StatusCode).Msg("bot refused status stream")
		return ctx.Err() != nil
	}

	c.connecting.Store(false)
	c.connected.Store(true)
	c.publish()
	c.log.Info().Str("url", cfg.EventURL()).Msg("bot connected")

	// Drain until the stream drops; the payload itself is not interpreted.
	buf := make([]byte, 4096)
	for {
		if _, err := resp.Body.Read(buf); err != nil {
			c.log.Info().Msg("bot connection lost")
			return ctx.Err() != nil
		}
	}
}
