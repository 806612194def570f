// Package stream keeps the websocket connection that carries sync
// progress events from the server and feeds decoded events into the
// sync state store.
package stream

//go:generate mockgen -source=client.go -destination=mock_wsconn_test.go -package=stream -mock_names=wsConn=MockWSConn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/fin-sync/internal/errors"
	"github.com/alexjbarnes/fin-sync/internal/models"
	"github.com/alexjbarnes/fin-sync/internal/store"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultBackoffMin = 1 * time.Second
	defaultBackoffMax = 30 * time.Second
	defaultStaleAfter = 90 * time.Second
	defaultQueueSize  = 256

	// jitterDivisor bounds reconnect jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 4

	// reconnectBackoffMultiplier is the growth factor applied after each
	// failed connection attempt.
	reconnectBackoffMultiplier = 2

	// staleChecks is how many watchdog ticks fit in one StaleAfter window.
	staleChecks = 3

	// inboundChanSize buffers frames between the reader goroutine and the
	// event loop.
	inboundChanSize = 64

	// readLimit caps a single frame. Events are small JSON objects.
	readLimit = 1 << 20
)

var (
	errStale = errors.New("no frames within stale window")
	errReset = errors.New("connection reset requested")
)

// inboundMsg wraps a message read from the websocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the websocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Config holds the connection parameters for the event stream.
type Config struct {
	URL        string
	Token      string
	BackoffMin time.Duration
	BackoffMax time.Duration
	StaleAfter time.Duration
	QueueSize  int
}

// ConnectionListener observes connection state changes.
type ConnectionListener func(models.ConnectionState)

// Client owns the event stream connection.
//
// Architecture: a reader goroutine per connection feeds inboundCh with raw
// frames. The event loop decodes them into the bounded event queue and
// runs the stale-connection watchdog. A dispatcher goroutine, alive for
// the whole of Listen, drains the queue into the store so a slow store
// never stalls the socket.
type Client struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger

	dial func(ctx context.Context) (wsConn, error)
	now  func() time.Time

	queue   *eventQueue
	resetCh chan struct{}

	stateMu sync.RWMutex
	state   models.ConnectionState

	listenersMu sync.RWMutex
	listeners   []ConnectionListener
}

// New creates a Client that applies events to st.
func New(cfg Config, st *store.Store, logger *slog.Logger) *Client {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}

	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffMin)
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	c := &Client{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		now:     time.Now,
		queue:   newEventQueue(cfg.QueueSize),
		resetCh: make(chan struct{}, 1),
		state:   models.ConnectionState{Phase: models.PhaseClosed},
	}
	c.dial = c.dialWebsocket

	return c
}

func (c *Client) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// ConnectionState returns a copy of the current connection state.
func (c *Client) ConnectionState() models.ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	return c.state
}

// OnConnectionChange registers fn to run after every phase change.
func (c *Client) OnConnectionChange(fn ConnectionListener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Client) updateState(fn func(*models.ConnectionState)) {
	c.stateMu.Lock()
	fn(&c.state)
	snap := c.state
	c.stateMu.Unlock()

	c.listenersMu.RLock()
	fns := append([]ConnectionListener(nil), c.listeners...)
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Client) touchLastEvent() {
	c.stateMu.Lock()
	c.state.LastEventAt = c.now()
	c.stateMu.Unlock()
}

// ResetConnection tears down the current connection and reconnects at
// once with the backoff back at its initial value. Safe to call from any
// goroutine; repeated calls before the loop reacts collapse into one.
func (c *Client) ResetConnection() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// Listen connects and keeps reconnecting until ctx is cancelled. It
// always returns ctx's error.
func (c *Client) Listen(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		c.dispatch(ctx)
	}()

	defer wg.Wait()

	backoff := c.cfg.BackoffMin

	c.updateState(func(s *models.ConnectionState) {
		s.Phase = models.PhaseConnecting
		s.Connected = false
	})

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setClosed()
				return ctx.Err()
			}

			c.updateState(func(s *models.ConnectionState) {
				s.Phase = models.PhaseError
				s.Connected = false
				s.LastError = err.Error()
				s.RetryCount++
			})

			c.logger.Warn("event stream connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
				slog.Int("retry_count", c.ConnectionState().RetryCount),
			)

			reset, werr := c.wait(ctx, backoff)
			if werr != nil {
				c.setClosed()
				return werr
			}

			if reset {
				backoff = c.cfg.BackoffMin
			} else {
				backoff = min(backoff*reconnectBackoffMultiplier, c.cfg.BackoffMax)
			}

			c.updateState(func(s *models.ConnectionState) { s.Phase = models.PhaseConnecting })

			continue
		}

		backoff = c.cfg.BackoffMin

		c.updateState(func(s *models.ConnectionState) {
			s.Phase = models.PhaseOpen
			s.Connected = true
			s.LastError = ""
			s.RetryCount = 0
			s.LastEventAt = c.now()
		})

		c.logger.Info("event stream connected")

		err = c.serve(ctx, conn)

		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "bye")
			c.setClosed()

			return ctx.Err()
		}

		if errors.Is(err, errReset) {
			conn.Close(websocket.StatusNormalClosure, "reset")
			c.logger.Info("event stream reset requested")
			c.updateState(func(s *models.ConnectionState) {
				s.Phase = models.PhaseReconnecting
				s.Connected = false
			})
			c.updateState(func(s *models.ConnectionState) { s.Phase = models.PhaseConnecting })

			continue
		}

		conn.Close(websocket.StatusGoingAway, "reconnecting")

		c.updateState(func(s *models.ConnectionState) {
			s.Phase = models.PhaseError
			s.Connected = false
			s.LastError = err.Error()
		})

		c.logger.Warn("event stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		reset, werr := c.wait(ctx, backoff)
		if werr != nil {
			c.setClosed()
			return werr
		}

		if !reset {
			backoff = min(backoff*reconnectBackoffMultiplier, c.cfg.BackoffMax)
		}

		c.updateState(func(s *models.ConnectionState) { s.Phase = models.PhaseConnecting })
	}
}

// wait sleeps for backoff plus jitter in the RECONNECTING phase. It
// returns early with reset=true when ResetConnection is called.
func (c *Client) wait(ctx context.Context, backoff time.Duration) (bool, error) {
	c.updateState(func(s *models.ConnectionState) { s.Phase = models.PhaseReconnecting })

	delay := backoff
	if span := int64(backoff) / jitterDivisor; span > 0 {
		delay += time.Duration(rand.Int64N(span)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.resetCh:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func (c *Client) setClosed() {
	c.updateState(func(s *models.ConnectionState) {
		s.Phase = models.PhaseClosed
		s.Connected = false
	})
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. It exits when connCtx is cancelled or a read fails;
// the read error is delivered as the final message.
func startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// serve runs the event loop for one connection. It returns when the
// connection fails, goes stale, is reset, or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := startReader(connCtx, conn)

	ticker := time.NewTicker(max(c.cfg.StaleAfter/staleChecks, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			c.touchLastEvent()

			if err := c.handleFrame(connCtx, msg.typ, msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			if c.now().Sub(c.ConnectionState().LastEventAt) > c.cfg.StaleAfter {
				c.logger.Warn("event stream stale, closing",
					slog.Duration("stale_after", c.cfg.StaleAfter),
				)

				return errStale
			}

		case <-c.resetCh:
			return errReset

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame queues the event carried by a frame. It blocks while the
// queue is full, which stops reading from the socket until the store
// catches up. The only error is ctx ending while blocked.
func (c *Client) handleFrame(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if typ != websocket.MessageText {
		c.logger.Debug("dropping binary frame", slog.Int("bytes", len(data)))
		return nil
	}

	ev, ok, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(data)),
		)

		return nil
	}

	if !ok {
		return nil
	}

	coalesced, err := c.queue.push(ctx, ev)
	if err != nil {
		return fmt.Errorf("queueing event: %w", err)
	}

	if coalesced {
		c.logger.Debug("event queue full, folded progress into pending event",
			slog.String("entity_id", ev.EntityID),
			slog.String("status", string(ev.Status)),
		)
	}

	return nil
}

// decodeFrame turns a text frame into an event. ok is false for frames
// that carry no event, such as heartbeats.
func decodeFrame(data []byte) (models.Event, bool, error) {
	if !gjson.ValidBytes(data) {
		return models.Event{}, false, fmt.Errorf("%w: invalid JSON", syncerr.ErrInvalidEvent)
	}

	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case "heartbeat":
		return models.Event{}, false, nil
	case "", "sync":
	default:
		return models.Event{}, false, fmt.Errorf("%w: unknown frame type %q", syncerr.ErrInvalidEvent, typ)
	}

	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Event{}, false, fmt.Errorf("%w: %v", syncerr.ErrInvalidEvent, err)
	}

	if ev.EntityID == "" || ev.Status == "" {
		return models.Event{}, false, fmt.Errorf("%w: missing entityId or status", syncerr.ErrInvalidEvent)
	}

	return ev, true, nil
}

// dispatch drains the event queue into the store until ctx is done.
// Rejected events are logged by the store and never stop the loop.
func (c *Client) dispatch(ctx context.Context) {
	for {
		ev, err := c.queue.pop(ctx)
		if err != nil {
			return
		}

		_ = c.store.ApplyEvent(ev)
	}
}

// Pending returns the number of decoded events not yet applied.
func (c *Client) Pending() int {
	return c.queue.len()
}
