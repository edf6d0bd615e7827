package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/happy-coder/happy/internal/event"
	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/store"
	"github.com/happy-coder/happy/pkg/types"

	"sync"
)

// AuthFunc resolves a bearer token to an account id.
type AuthFunc func(ctx context.Context, token string) (string, error)

// Hub owns the account-keyed routing table: every admitted connection,
// its scope subscriptions, and the RPC broker.
type Hub struct {
	bus    *event.Bus
	store  *store.Store
	broker *Broker
	auth   AuthFunc

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates a Hub.
func NewHub(bus *event.Bus, st *store.Store, auth AuthFunc) *Hub {
	h := &Hub{
		bus:   bus,
		store: st,
		auth:  auth,
		conns: make(map[string]*Conn),
	}
	h.broker = NewBroker(h.conn)
	return h
}

func (h *Hub) conn(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// ConnCount reports the number of admitted connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleSocket runs one connection from auth to close.
func (h *Hub) HandleSocket(ctx context.Context, ws *websocket.Conn) {
	c := newConn(ws)

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := h.authenticate(ctx, c); err != nil {
		logging.Debug().Err(err).Msg("socket rejected")
		ws.Close()
		return
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	go c.writePump()

	defer func() {
		h.broker.RemoveConn(c.ID)
		h.mu.Lock()
		delete(h.conns, c.ID)
		h.mu.Unlock()
		c.close()
		logging.Debug().Str("conn", c.ID).Msg("socket closed")
	}()

	h.readLoop(ctx, c)
}

// authenticate consumes the first frame, which must be auth, and admits
// the connection into its auto-subscribed scope.
func (h *Hub) authenticate(ctx context.Context, c *Conn) error {
	c.ws.SetReadDeadline(time.Now().Add(authWait))

	var frame types.Frame
	if err := c.ws.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}
	if frame.Type != types.FrameAuth {
		return fmt.Errorf("expected auth, got %s", frame.Type)
	}

	var auth types.AuthPayload
	if err := frame.DecodePayload(&auth); err != nil {
		return err
	}

	accountID, err := h.auth(ctx, auth.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrAuth, err)
	}

	c.AccountID = accountID
	c.Kind = auth.ConnectionKind
	c.ScopeRef = auth.ScopeRef

	var autoScope types.EntityRef
	switch auth.ConnectionKind {
	case types.ConnectionUser:
		autoScope = types.EntityRef{Kind: types.EntityAccount, ID: accountID}
	case types.ConnectionSession, types.ConnectionMachine:
		if auth.ScopeRef == nil {
			return errors.New("scoped connection kind without scopeRef")
		}
		autoScope = *auth.ScopeRef
		if auth.ConnectionKind == types.ConnectionMachine {
			// First daemon boot creates the machine record.
			if err := h.store.UpsertMachine(ctx, accountID, autoScope.ID, types.MachineOnline); err != nil {
				return err
			}
		}
		if err := h.authorizeScope(ctx, accountID, autoScope); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown connection kind %q", auth.ConnectionKind)
	}

	c.mu.Lock()
	c.state = stateAuthenticated
	c.mu.Unlock()

	h.attachScope(c, autoScope)

	ok, err := types.NewFrame(types.FrameAuthOK, types.AuthOKPayload{
		ConnectionID: c.ID,
		AccountID:    accountID,
		ServerTime:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(ok); err != nil {
		return err
	}

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	logging.Info().Str("conn", c.ID).Str("account", accountID).
		Str("kind", string(auth.ConnectionKind)).Msg("socket admitted")
	return nil
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	for {
		var frame types.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := h.dispatch(ctx, c, frame); err != nil {
			// Protocol violations drop the connection; the client
			// reconnects fresh.
			logging.Warn().Str("conn", c.ID).Err(err).Msg("dropping connection")
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, frame types.Frame) error {
	switch frame.Type {
	case types.FrameSubscribe:
		var p types.SubscribePayload
		if err := frame.DecodePayload(&p); err != nil {
			return err
		}
		return h.handleSubscribe(ctx, c, p)

	case types.FrameUpdate:
		var p types.UpdatePayload
		if err := frame.DecodePayload(&p); err != nil {
			return err
		}
		return h.handleUpdate(ctx, c, p)

	case types.FrameEphemeral:
		var p types.EphemeralPayload
		if err := frame.DecodePayload(&p); err != nil {
			return err
		}
		return h.handleEphemeral(ctx, c, p)

	case types.FrameRPCRegister:
		var p types.RPCRegisterPayload
		if err := frame.DecodePayload(&p); err != nil {
			return err
		}
		if err := h.authorizeScope(ctx, c.AccountID, p.Scope); err != nil {
			return err
		}
		h.broker.Register(p.Scope, p.Method, c.ID)
		return nil

	case types.FrameRPCCall:
		var p types.RPCCallPayload
		if err := frame.DecodePayload(&p); err != nil {
			return err
		}
		if err := h.authorizeScope(ctx, c.AccountID, p.TargetScope); err != nil {
			return err
		}
		h.broker.Route(c, p)
		return nil

	case types.FrameRPCResponse:
		var p types.RPCResponsePayload
		if err := frame.DecodePayload(&p); err != nil {
			return err
		}
		h.broker.HandleResponse(c, p)
		return nil

	case types.FrameHeartbeat:
		if c.Kind == types.ConnectionMachine && c.ScopeRef != nil {
			if err := h.store.UpsertMachine(ctx, c.AccountID, c.ScopeRef.ID, types.MachineOnline); err != nil {
				logging.Error().Err(err).Msg("heartbeat touch failed")
			}
		}
		if beat, err := types.NewFrame(types.FrameHeartbeat, types.HeartbeatPayload{
			TS: time.Now().UnixMilli(),
		}); err == nil {
			c.enqueue(beat)
		}
		return nil

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// handleSubscribe authorizes the scope, replays the log from the client's
// cursor, and attaches the live subscription.
func (h *Hub) handleSubscribe(ctx context.Context, c *Conn, p types.SubscribePayload) error {
	if err := h.authorizeScope(ctx, c.AccountID, p.Scope); err != nil {
		return err
	}

	if p.SinceSeq != nil {
		if err := h.replay(ctx, c, p.Scope, *p.SinceSeq); err != nil {
			return err
		}
	}

	h.attachScope(c, p.Scope)
	return nil
}

func (h *Hub) replay(ctx context.Context, c *Conn, scope types.EntityRef, since int64) error {
	minSeq, lastSeq, err := h.store.LogBounds(ctx, c.AccountID)
	if err != nil {
		return err
	}

	// The oldest seq the retained log can resume from.
	floor := lastSeq
	if minSeq > 0 {
		floor = minSeq - 1
	}
	if since < floor {
		frame, err := types.NewFrame(types.FrameResync, types.ResyncPayload{
			Scope:  scope,
			MinSeq: floor + 1,
		})
		if err != nil {
			return err
		}
		c.enqueue(frame)
		return nil
	}

	cursor := since
	for {
		updates, err := h.store.UpdatesSince(ctx, c.AccountID, cursor, 500)
		if err != nil {
			return err
		}
		for _, u := range updates {
			cursor = u.Seq
			if !scopeMatches(scope, c.AccountID, u.Entity) {
				continue
			}
			frame, err := updateFrame(u)
			if err != nil {
				return err
			}
			if !c.enqueue(frame) {
				c.close()
				return errors.New("subscriber overflow during replay")
			}
			c.advanceCursor(u.Seq)
		}
		if len(updates) < 500 {
			return nil
		}
	}
}

// scopeMatches reports whether an update on entity is visible in scope.
// The account scope sees everything belonging to the account.
func scopeMatches(scope types.EntityRef, accountID string, entity types.EntityRef) bool {
	if scope.Kind == types.EntityAccount {
		return scope.ID == accountID
	}
	return scope == entity
}

func (h *Hub) attachScope(c *Conn, scope types.EntityRef) {
	key := scope.String()
	if c.subscribedTo(key) {
		return
	}
	unsub := h.bus.Subscribe(key, func(env event.Envelope) {
		if !c.deliver(env) {
			logging.Warn().Str("conn", c.ID).Str("scope", key).Msg("subscriber overflow")
			c.close()
		}
	})
	c.addScope(key, unsub)
}

func (h *Hub) handleUpdate(ctx context.Context, c *Conn, p types.UpdatePayload) error {
	if !p.Entity.Valid() {
		return fmt.Errorf("invalid entity ref %v", p.Entity)
	}
	if err := h.authorizeScope(ctx, c.AccountID, p.Entity); err != nil {
		return err
	}
	// Presence transitions belong to the relay and the machine's own
	// daemon (graceful shutdown); nothing else may publish them.
	if p.Channel == types.ChannelPresence && c.Kind != types.ConnectionMachine {
		return errors.New("presence publish from non-machine connection")
	}

	u, existing, err := h.store.AppendUpdate(ctx, c.AccountID, store.AppendParams{
		Entity:          p.Entity,
		Channel:         p.Channel,
		Producer:        c.ID,
		LocalID:         p.LocalID,
		Body:            p.Body,
		ExpectedVersion: p.ExpectedVersion,
		Archive:         p.Archive,
		MachineState:    p.MachineState,
	})

	var rejected *types.UpdateRejectedError
	if errors.As(err, &rejected) {
		frame, ferr := types.NewFrame(types.FrameUpdateReject, types.UpdateRejectPayload{
			LocalID:        p.LocalID,
			Reason:         rejected.Reason,
			CurrentVersion: rejected.CurrentVersion,
			CurrentBody:    rejected.CurrentBody,
		})
		if ferr != nil {
			return ferr
		}
		c.enqueue(frame)
		return nil
	}
	if err != nil {
		return err
	}

	ack, err := types.NewFrame(types.FrameUpdateAck, types.UpdateAckPayload{
		LocalID:    p.LocalID,
		Seq:        u.Seq,
		NewVersion: u.Version,
	})
	if err != nil {
		return err
	}
	c.enqueue(ack)

	// The publisher's own optimistic state is already current; it is
	// excluded from fan-out via producer tagging.
	if !existing {
		h.fanOut(c.AccountID, u)
	}
	return nil
}

// fanOut delivers a persisted update to the entity's scope and to the
// account scope so user-scoped connections observe everything.
func (h *Hub) fanOut(accountID string, u *types.Update) {
	frame, err := updateFrame(*u)
	if err != nil {
		logging.Error().Err(err).Msg("encode update frame")
		return
	}
	env := event.Envelope{Producer: u.Producer, Seq: u.Seq, Frame: frame}

	if u.Entity.Kind != types.EntityAccount {
		env.Scope = u.Entity.String()
		h.bus.Publish(env)
	}
	env.Scope = types.EntityRef{Kind: types.EntityAccount, ID: accountID}.String()
	h.bus.Publish(env)
}

func updateFrame(u types.Update) (types.Frame, error) {
	return types.NewFrame(types.FrameUpdate, types.UpdatePayload{
		Entity:       u.Entity,
		Channel:      u.Channel,
		MachineState: u.MachineState,
		Version:      u.Version,
		Seq:          u.Seq,
		Producer:     u.Producer,
		LocalID:      u.LocalID,
		Body:         u.Body,
		CreatedAt:    u.CreatedAt,
	})
}

func (h *Hub) handleEphemeral(ctx context.Context, c *Conn, p types.EphemeralPayload) error {
	if err := h.authorizeScope(ctx, c.AccountID, p.Scope); err != nil {
		return err
	}
	frame, err := types.NewFrame(types.FrameEphemeral, p)
	if err != nil {
		return err
	}
	// Best-effort: no persistence, no ordering, loss is not an error.
	h.bus.Publish(event.Envelope{
		Scope:    p.Scope.String(),
		Producer: c.ID,
		Frame:    frame,
	})
	return nil
}

// MarkMachineState publishes a relay-owned presence transition, used by
// the offline sweeper and graceful drain.
func (h *Hub) MarkMachineState(ctx context.Context, accountID, machineID string, state types.MachineState) error {
	u, _, err := h.store.AppendUpdate(ctx, accountID, store.AppendParams{
		Entity:       types.EntityRef{Kind: types.EntityMachine, ID: machineID},
		Channel:      types.ChannelPresence,
		MachineState: state,
	})
	if err != nil {
		return err
	}
	h.fanOut(accountID, u)
	return nil
}

// authorizeScope verifies the scope belongs to the connection's account.
func (h *Hub) authorizeScope(ctx context.Context, accountID string, scope types.EntityRef) error {
	switch scope.Kind {
	case types.EntityAccount:
		if scope.ID != accountID {
			return fmt.Errorf("%w: foreign account scope", types.ErrAuth)
		}
		return nil
	case types.EntitySession:
		owner, err := h.store.SessionAccount(ctx, scope.ID)
		if err != nil {
			return fmt.Errorf("%w: unknown session", types.ErrAuth)
		}
		if owner != accountID {
			return fmt.Errorf("%w: foreign session scope", types.ErrAuth)
		}
		return nil
	case types.EntityMachine:
		owner, err := h.store.MachineAccount(ctx, scope.ID)
		if err != nil {
			return fmt.Errorf("%w: unknown machine", types.ErrAuth)
		}
		if owner != accountID {
			return fmt.Errorf("%w: foreign machine scope", types.ErrAuth)
		}
		return nil
	}
	return fmt.Errorf("invalid scope kind %q", scope.Kind)
}
