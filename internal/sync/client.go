// Package sync implements the client half of the relay protocol: one
// multiplexed socket per process, scope subscriptions with durable cursors,
// an entity cache converging on the server's view, an outbox for offline
// publishes, and the E2E-encrypted RPC surface.
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/pkg/types"
)

// Status is the connection observable exposed to callers. Transient
// transport errors stay internal; callers only see the state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrDisconnected reports a write attempted with no live socket.
	ErrDisconnected = errors.New("not connected")
	// ErrTransport reports an RPC that died with its transport.
	ErrTransport = errors.New("rpc transport failed")
)

// RPCHandler serves one registered method. The request and response bytes
// are ciphertext at this layer; the engine wraps encryption around them.
type RPCHandler func(ctx context.Context, request []byte) ([]byte, error)

// Config holds the client's connection parameters.
type Config struct {
	ServerURL string
	Token     string
	Kind      types.ConnectionKind
	// ScopeRef names the session or machine for scoped connection kinds.
	ScopeRef *types.EntityRef

	// DialTimeout bounds one connection attempt. Zero means 10s.
	DialTimeout time.Duration
}

type publishResult struct {
	ack    *types.UpdateAckPayload
	reject *types.UpdateRejectPayload
}

type callResult struct {
	response *types.RPCResponsePayload
	reason   types.RPCErrorReason
}

// Client maintains the socket to the relay: dial, auth, reconnect with
// backoff, frame routing, and request/response correlation.
type Client struct {
	cfg Config

	mu         sync.Mutex
	ws         *websocket.Conn
	connID     string
	accountID  string
	status     Status
	statusSubs []func(Status)

	acks     map[string]chan publishResult
	calls    map[string]chan callResult
	handlers map[string]RPCHandler
	regs     []types.RPCRegisterPayload
	// subs maps scope key to the cursor source used on resubscribe.
	subs map[string]subscription

	onUpdate    func(types.UpdatePayload)
	onEphemeral func(types.EphemeralPayload)
	onResync    func(types.ResyncPayload)

	writeMu sync.Mutex
}

type subscription struct {
	scope  types.EntityRef
	cursor func() int64
}

// NewClient creates a Client. Run must be called to connect.
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		status:   StatusDisconnected,
		acks:     make(map[string]chan publishResult),
		calls:    make(map[string]chan callResult),
		handlers: make(map[string]RPCHandler),
		subs:     make(map[string]subscription),
	}
}

// OnUpdate sets the inbound update callback. Set before Run.
func (c *Client) OnUpdate(fn func(types.UpdatePayload)) { c.onUpdate = fn }

// OnEphemeral sets the inbound ephemeral callback. Set before Run.
func (c *Client) OnEphemeral(fn func(types.EphemeralPayload)) { c.onEphemeral = fn }

// OnResync sets the resync-required callback. Set before Run.
func (c *Client) OnResync(fn func(types.ResyncPayload)) { c.onResync = fn }

// OnStatus subscribes to connection state transitions.
func (c *Client) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusSubs = append(c.statusSubs, fn)
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ConnectionID returns the server-assigned id of the live connection, or
// "" while disconnected. Used for self-echo checks.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// AccountID returns the authenticated account, or "" before first connect.
func (c *Client) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	subs := append([]func(Status){}, c.statusSubs...)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// socketURL converts the configured HTTP endpoint to the socket endpoint.
func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/connect"
	return u.String(), nil
}

// Run connects and keeps the socket alive until ctx is canceled. Backoff
// is exponential with a ceiling; after the ceiling it retries at the
// ceiling indefinitely.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		c.setStatus(StatusConnecting)

		ws, err := c.connect(ctx)
		if err != nil {
			c.setStatus(StatusDisconnected)
			logging.Debug().Err(err).Msg("connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		bo.Reset()
		c.setStatus(StatusConnected)
		c.resubscribe()
		c.reregister()

		c.readLoop(ctx, ws)

		c.teardown(ws)
		c.setStatus(StatusDisconnected)
	}
}

// connect dials and completes the auth handshake.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.socketURL()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	auth, err := types.NewFrame(types.FrameAuth, types.AuthPayload{
		Token:          c.cfg.Token,
		ConnectionKind: c.cfg.Kind,
		ScopeRef:       c.cfg.ScopeRef,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteJSON(auth); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	var frame types.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: handshake read: %v", types.ErrAuth, err)
	}
	if frame.Type != types.FrameAuthOK {
		ws.Close()
		return nil, fmt.Errorf("%w: got %s", types.ErrAuth, frame.Type)
	}
	var ok types.AuthOKPayload
	if err := frame.DecodePayload(&ok); err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.ws = ws
	c.connID = ok.ConnectionID
	c.accountID = ok.AccountID
	c.mu.Unlock()

	logging.Debug().Str("conn", ok.ConnectionID).Msg("socket connected")
	return ws, nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var frame types.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			logging.Debug().Err(err).Msg("socket read ended")
			return
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame types.Frame) {
	switch frame.Type {
	case types.FrameUpdate:
		var p types.UpdatePayload
		if err := frame.DecodePayload(&p); err == nil && c.onUpdate != nil {
			c.onUpdate(p)
		}

	case types.FrameEphemeral:
		var p types.EphemeralPayload
		if err := frame.DecodePayload(&p); err == nil && c.onEphemeral != nil {
			c.onEphemeral(p)
		}

	case types.FrameResync:
		var p types.ResyncPayload
		if err := frame.DecodePayload(&p); err == nil && c.onResync != nil {
			c.onResync(p)
		}

	case types.FrameUpdateAck:
		var p types.UpdateAckPayload
		if err := frame.DecodePayload(&p); err == nil {
			c.resolveAck(p.LocalID, publishResult{ack: &p})
		}

	case types.FrameUpdateReject:
		var p types.UpdateRejectPayload
		if err := frame.DecodePayload(&p); err == nil {
			c.resolveAck(p.LocalID, publishResult{reject: &p})
		}

	case types.FrameRPCResponse:
		var p types.RPCResponsePayload
		if err := frame.DecodePayload(&p); err == nil {
			c.resolveCall(p.CallID, callResult{response: &p})
		}

	case types.FrameRPCError:
		var p types.RPCErrorPayload
		if err := frame.DecodePayload(&p); err == nil {
			c.resolveCall(p.CallID, callResult{reason: p.Reason})
		}

	case types.FrameRPCCall:
		var p types.RPCCallPayload
		if err := frame.DecodePayload(&p); err == nil {
			go c.serveCall(ctx, p)
		}

	case types.FrameHeartbeat:
		// Server echo; nothing to do.
	}
}

func (c *Client) resolveAck(localID string, res publishResult) {
	c.mu.Lock()
	ch := c.acks[localID]
	delete(c.acks, localID)
	c.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

func (c *Client) resolveCall(callID string, res callResult) {
	c.mu.Lock()
	ch := c.calls[callID]
	delete(c.calls, callID)
	c.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

// teardown fails every in-flight request after a socket loss.
func (c *Client) teardown(ws *websocket.Conn) {
	ws.Close()

	c.mu.Lock()
	acks := c.acks
	calls := c.calls
	c.acks = make(map[string]chan publishResult)
	c.calls = make(map[string]chan callResult)
	c.ws = nil
	c.connID = ""
	c.mu.Unlock()

	for _, ch := range acks {
		ch <- publishResult{}
	}
	for _, ch := range calls {
		ch <- callResult{reason: types.RPCTransport}
	}
}

func (c *Client) writeFrame(ft types.FrameType, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrDisconnected
	}

	frame, err := types.NewFrame(ft, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Publish sends one update and waits for the server's verdict. Either ack
// or reject is non-nil on a nil error.
func (c *Client) Publish(ctx context.Context, p types.UpdatePayload) (*types.UpdateAckPayload, *types.UpdateRejectPayload, error) {
	if p.LocalID == "" {
		return nil, nil, errors.New("publish requires a localId")
	}

	ch := make(chan publishResult, 1)
	c.mu.Lock()
	c.acks[p.LocalID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(types.FrameUpdate, p); err != nil {
		c.mu.Lock()
		delete(c.acks, p.LocalID)
		c.mu.Unlock()
		return nil, nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.acks, p.LocalID)
		c.mu.Unlock()
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.ack == nil && res.reject == nil {
			return nil, nil, ErrDisconnected
		}
		return res.ack, res.reject, nil
	}
}

// Subscribe attaches to a scope now and after every reconnect, supplying
// the cursor each time so the server replays what was missed.
func (c *Client) Subscribe(scope types.EntityRef, cursor func() int64) {
	c.mu.Lock()
	c.subs[scope.String()] = subscription{scope: scope, cursor: cursor}
	connected := c.ws != nil
	c.mu.Unlock()

	if connected {
		c.sendSubscribe(scope, cursor)
	}
}

func (c *Client) sendSubscribe(scope types.EntityRef, cursor func() int64) {
	since := cursor()
	if err := c.writeFrame(types.FrameSubscribe, types.SubscribePayload{
		Scope:    scope,
		SinceSeq: &since,
	}); err != nil {
		logging.Debug().Err(err).Str("scope", scope.String()).Msg("subscribe failed")
	}
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.sendSubscribe(s.scope, s.cursor)
	}
}

// Register installs an RPC handler for (scope, method), surviving
// reconnects. The most recent registration on the relay wins.
func (c *Client) Register(scope types.EntityRef, method string, handler RPCHandler) {
	reg := types.RPCRegisterPayload{Scope: scope, Method: method}

	c.mu.Lock()
	c.handlers[method] = handler
	c.regs = append(c.regs, reg)
	connected := c.ws != nil
	c.mu.Unlock()

	if connected {
		if err := c.writeFrame(types.FrameRPCRegister, reg); err != nil {
			logging.Debug().Err(err).Str("method", method).Msg("rpc register failed")
		}
	}
}

func (c *Client) reregister() {
	c.mu.Lock()
	regs := append([]types.RPCRegisterPayload{}, c.regs...)
	c.mu.Unlock()

	for _, reg := range regs {
		if err := c.writeFrame(types.FrameRPCRegister, reg); err != nil {
			logging.Debug().Err(err).Str("method", reg.Method).Msg("rpc reregister failed")
		}
	}
}

func (c *Client) serveCall(ctx context.Context, call types.RPCCallPayload) {
	c.mu.Lock()
	handler := c.handlers[call.Method]
	c.mu.Unlock()

	resp := types.RPCResponsePayload{CallID: call.CallID}
	if handler == nil {
		// Registered on the relay but locally unknown; should not happen.
		logging.Warn().Str("method", call.Method).Msg("rpc call for unregistered method")
	} else {
		timeout := time.Duration(call.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := handler(callCtx, call.Request)
		cancel()
		if err != nil {
			resp.ErrorBody = result
		} else {
			resp.OK = true
			resp.Response = result
		}
	}

	if err := c.writeFrame(types.FrameRPCResponse, resp); err != nil {
		logging.Debug().Err(err).Str("method", call.Method).Msg("rpc response dropped")
	}
}

// Invoke calls a remote handler and waits for exactly one terminal
// outcome: success, a handler error, no-handler, timeout, or transport.
func (c *Client) Invoke(ctx context.Context, target types.EntityRef, method string, request []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callID := uuid.NewString()

	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.calls[callID] = ch
	c.mu.Unlock()

	err := c.writeFrame(types.FrameRPCCall, types.RPCCallPayload{
		CallID:      callID,
		TargetScope: target,
		Method:      method,
		TimeoutMS:   timeout.Milliseconds(),
		Request:     request,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.calls, callID)
		c.mu.Unlock()
		return nil, err
	}

	// Local guard slightly past the server's timer so the server-side
	// timeout wins when both fire.
	guard := time.NewTimer(timeout + 5*time.Second)
	defer guard.Stop()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.calls, callID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-guard.C:
		c.mu.Lock()
		delete(c.calls, callID)
		c.mu.Unlock()
		return nil, types.ErrRPCTimeout
	case res := <-ch:
		if res.response != nil {
			if !res.response.OK {
				return nil, &RemoteError{Body: res.response.ErrorBody}
			}
			return res.response.Response, nil
		}
		switch res.reason {
		case types.RPCNoHandler:
			return nil, types.ErrNoHandler
		case types.RPCTimeout:
			return nil, types.ErrRPCTimeout
		default:
			return nil, ErrTransport
		}
	}
}

// SendEphemeral fires a best-effort event; loss is not an error, but a
// dead socket is reported so callers can skip the work.
func (c *Client) SendEphemeral(p types.EphemeralPayload) error {
	return c.writeFrame(types.FrameEphemeral, p)
}

// Heartbeat sends one liveness frame.
func (c *Client) Heartbeat() error {
	return c.writeFrame(types.FrameHeartbeat, types.HeartbeatPayload{TS: time.Now().UnixMilli()})
}

// RemoteError is an application-level error returned by an RPC handler.
// The body is ciphertext until the engine decrypts it.
type RemoteError struct {
	Body []byte
}

func (e *RemoteError) Error() string { return "rpc handler returned an error" }
