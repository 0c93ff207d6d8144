package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/yuyu-dev/yuyu/internal/config"
)

const (
	// fanoutCapacity is each subscriber's buffered backlog.
	fanoutCapacity = 2048

	// idlePoll is how often the upstream task re-checks for subscribers
	// while idle, and how quickly it notices all of them left.
	idlePoll = 200 * time.Millisecond

	// reconnectBackoff follows an upstream connect failure or error status.
	reconnectBackoff = 2 * time.Second

	// streamRestartDelay follows a dropped upstream stream.
	streamRestartDelay = time.Second

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// EventFanout owns the single upstream SSE subscription and rebroadcasts its
// messages to any number of plugin subscribers over SSE or WebSocket.
//
// The upstream connection is lazy: while nobody subscribes the task sleeps,
// and it abandons a live stream as soon as the last subscriber leaves, so
// upstream load is zero when no plugin cares.
type EventFanout struct {
	botCfg *config.BotConfigStore
	client *http.Client
	log    zerolog.Logger

	mu      sync.Mutex
	sseSubs map[int]chan Message
	wsSubs  map[int]chan string
	nextSub int

	sseCount atomic.Int64
	wsCount  atomic.Int64
}

// NewEventFanout creates the fan-out. The HTTP client carries no timeout:
// the upstream stream is expected to stay open indefinitely.
func NewEventFanout(botCfg *config.BotConfigStore, log zerolog.Logger) *EventFanout {
	return &EventFanout{
		botCfg:  botCfg,
		client:  &http.Client{},
		log:     log,
		sseSubs: make(map[int]chan Message),
		wsSubs:  make(map[int]chan string),
	}
}

// SSESubscribers returns the live SSE subscriber count.
func (f *EventFanout) SSESubscribers() int64 { return f.sseCount.Load() }

// WSSubscribers returns the live WebSocket subscriber count.
func (f *EventFanout) WSSubscribers() int64 { return f.wsCount.Load() }

func (f *EventFanout) subscriberTotal() int64 {
	return f.sseCount.Load() + f.wsCount.Load()
}

// SubscribeSSE registers an SSE subscriber.
func (f *EventFanout) SubscribeSSE() (<-chan Message, func()) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan Message, fanoutCapacity)
	f.sseSubs[id] = ch
	f.mu.Unlock()
	f.sseCount.Add(1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.sseSubs, id)
			f.mu.Unlock()
			f.sseCount.Add(-1)
		})
	}
}

// SubscribeWS registers a WebSocket subscriber, which receives only the data
// payloads.
func (f *EventFanout) SubscribeWS() (<-chan string, func()) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan string, fanoutCapacity)
	f.wsSubs[id] = ch
	f.mu.Unlock()
	f.wsCount.Add(1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.wsSubs, id)
			f.mu.Unlock()
			f.wsCount.Add(-1)
		})
	}
}

// publish fans one upstream message out to every subscriber. Slow
// subscribers miss messages rather than blocking the stream reader.
func (f *EventFanout) publish(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.sseSubs {
		select {
		case ch <- msg:
		default:
		}
	}
	for _, ch := range f.wsSubs {
		select {
		case ch <- msg.Data:
		default:
		}
	}
}

// Run is the long-lived upstream task. It holds a connection only while
// subscribers exist and retries with backoff on transport errors.
func (f *EventFanout) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if f.subscriberTotal() == 0 {
			sleepCtx(ctx, idlePoll)
			continue
		}
		f.streamOnce(ctx)
	}
}

// streamOnce opens the upstream SSE stream and pumps it until it breaks or
// becomes pointless (no subscribers, shutdown).
func (f *EventFanout) streamOnce(ctx context.Context) {
	cfg := f.botCfg.Get()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.EventURL(), nil)
	if err != nil {
		sleepCtx(ctx, reconnectBackoff)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Debug().Err(err).Msg("upstream event connect failed")
		sleepCtx(ctx, reconnectBackoff)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.log.Warn().Int("status", resp.StatusCode).Msg("upstream event stream refused")
		sleepCtx(ctx, reconnectBackoff)
		return
	}

	f.log.Info().Str("url", cfg.EventURL()).Msg("upstream event stream connected")

	// Watcher tears the blocking read down the moment the last subscriber
	// leaves or the host shuts down.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(idlePoll)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ctx.Done():
				resp.Body.Close()
				return
			case <-ticker.C:
				if f.subscriberTotal() == 0 {
					resp.Body.Close()
					return
				}
			}
		}
	}()

	parser := &SSEParser{}
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, msg := range parser.Feed(buf[:n]) {
				f.publish(msg)
			}
		}
		if err != nil {
			break
		}
		if f.subscriberTotal() == 0 {
			f.log.Info().Msg("upstream event stream abandoned, no subscribers")
			return
		}
	}

	sleepCtx(ctx, streamRestartDelay)
}

// Router builds the event proxy listener's routes.
func (f *EventFanout) Router(resolver TokenResolver) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	authed := router.Group("", PluginAuth(resolver))
	authed.GET("/event", f.serveEvent)
	return router
}

// serveEvent delivers SSE when the client asks for text/event-stream and
// upgrades to WebSocket otherwise.
func (f *EventFanout) serveEvent(c *gin.Context) {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		f.serveSSE(c)
		return
	}
	f.serveWS(c)
}

func (f *EventFanout) serveSSE(c *gin.Context) {
	ch, cancel := f.SubscribeSSE()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Event: msg.Event, Data: msg.Data}); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Plugins connect over loopback with their run token; origin checks
	// don't apply to them.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (f *EventFanout) serveWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ch, cancel := f.SubscribeWS()
	done := make(chan struct{})

	// Read pump: only watches for the peer closing.
	go func() {
		defer close(done)
		conn.SetReadLimit(512 * 1024)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case data, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sleepCtx sleeps for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
