package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	v1 "chatsession/shared/contracts/chat/v1"

	"chatsession/cmd/internal/telemetry"
)

// ChannelState is the lifecycle state of a Channel.
type ChannelState int32

const (
	StateConnecting ChannelState = iota
	StateOpen
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers are the four lifecycle hooks of a channel. Nil hooks are skipped.
//
// OnConnect, OnReceive and OnDisconnect run on the channel's own goroutine;
// OnSend runs on the goroutine that called Send.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnSend       func(v1.OutboundFrame)
	OnReceive    func(v1.InboundFrame)
}

// Channel is one socket to one chat room.
type Channel struct {
	ID     string
	RoomID string

	cfg      Config
	log      *slog.Logger
	metrics  *telemetry.Metrics
	handlers Handlers
	limiter  *RateLimiter
	redact   string

	state atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	onFinish  func(*Channel)
}

// State returns the current state.
func (c *Channel) State() ChannelState { return ChannelState(c.state.Load()) }

// Done is closed once the channel has shut down and its goroutines exited.
func (c *Channel) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Send writes one frame. It fails with ErrChannelNotOpen unless the channel
// is Open; the rejection is logged and nothing is written.
func (c *Channel) Send(ctx context.Context, f v1.OutboundFrame) error {
	if c == nil {
		return ErrChannelNotOpen
	}
	if st := c.State(); st != StateOpen {
		c.log.Warn("channel.send.not_open", "room", c.RoomID, "state", st.String())
		c.frame("out", "not_open")
		return ErrChannelNotOpen
	}
	if err := f.Validate(); err != nil {
		c.frame("out", "invalid")
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !c.limiter.Allow() {
		c.log.Warn("channel.send.rate_limited", "room", c.RoomID)
		c.frame("out", "rate_limited")
		return ErrRateLimited
	}

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelNotOpen
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		c.frame("out", "error")
		c.log.Info("channel.write.fail", "room", c.RoomID, "close_status", websocket.CloseStatus(err), "err", err)
		return err
	}

	c.frame("out", "ok")
	if c.handlers.OnSend != nil {
		c.handlers.OnSend(f)
	}
	return nil
}

// Close shuts the channel down with a normal closure. It is idempotent and
// safe to call from any goroutine, including from a handler.
func (c *Channel) Close() {
	c.closeWith(websocket.StatusNormalClosure, "bye")
}

func (c *Channel) closeWith(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(code, reason)
		}
		c.cancel()
	})
}

func (c *Channel) run(url string, prev *Channel) {
	defer close(c.done)
	defer c.finish()

	// A superseded channel for the same room must be gone before this one dials.
	if prev != nil {
		prev.Close()
		select {
		case <-prev.Done():
		case <-c.ctx.Done():
			return
		}
	}

	dctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	cancel()
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warn("channel.dial.fail", "room", c.RoomID, "err", c.scrub(err))
		}
		return
	}
	conn.SetReadLimit(c.cfg.MaxFrameBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Closed while dialing.
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return
	}

	c.metrics.ChannelOpened()
	defer c.metrics.ChannelClosed()
	c.log.Info("channel.open", "room", c.RoomID, "channel_id", c.ID)
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeat(conn)
	}()

	c.readLoop(conn)
	c.closeWith(websocket.StatusNormalClosure, "bye")
	<-heartbeatDone
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.Read(c.ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				c.log.Info("channel.peer_closed", "room", c.RoomID, "close_status", websocket.CloseStatus(err))
			case errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
				c.log.Debug("channel.read.stop", "room", c.RoomID)
			default:
				c.log.Info("channel.read.fail", "room", c.RoomID, "err", err)
			}
			return
		}

		if mt != websocket.MessageText {
			c.frame("in", "bad_type")
			c.log.Warn("channel.frame.bad_type", "room", c.RoomID, "type", mt.String())
			continue
		}

		f, err := v1.DecodeInbound(data)
		if err != nil {
			c.frame("in", "bad_json")
			c.log.Warn("channel.frame.bad_json", "room", c.RoomID, "bytes", len(data), "err", err)
			continue
		}

		c.frame("in", "ok")
		if c.handlers.OnReceive != nil {
			c.handlers.OnReceive(f)
		}
	}
}

func (c *Channel) heartbeat(conn *websocket.Conn) {
	if c.cfg.HeartbeatInterval <= 0 {
		<-c.ctx.Done()
		return
	}

	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				failures++
				c.log.Info("channel.ping.fail", "room", c.RoomID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.closeWith(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Channel) finish() {
	c.state.Store(int32(StateClosed))
	c.cancel()
	c.log.Info("channel.closed", "room", c.RoomID, "channel_id", c.ID)
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}
	if c.onFinish != nil {
		c.onFinish(c)
	}
}

func (c *Channel) frame(direction, result string) {
	c.metrics.Frame(direction, result)
}

// scrub removes the access token from errors that echo the dial URL.
func (c *Channel) scrub(err error) string {
	s := err.Error()
	if c.redact != "" {
		s = strings.ReplaceAll(s, c.redact, "[redacted]")
	}
	return s
}
