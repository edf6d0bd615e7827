package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/pkg/types"
)

// maxRPCTimeout caps what callers may request.
const maxRPCTimeout = 60 * time.Second

// Broker routes RPC calls between connections. Each (scope, method) pair
// has at most one primary handler: the most recently registered
// connection. Calls to an absent handler fail fast with no-handler.
type Broker struct {
	mu sync.Mutex
	// handlers maps "scope|method" to the primary handler connection.
	handlers map[string]string
	// keysByConn tracks registrations for teardown on disconnect.
	keysByConn map[string]map[string]struct{}
	// pending maps the broker-assigned call id to the in-flight call.
	pending map[string]*pendingCall

	lookup func(connID string) *Conn
}

type pendingCall struct {
	callerID     string
	callerCallID string
	handlerID    string
	timer        *time.Timer
}

// NewBroker creates a Broker. lookup resolves live connections by id.
func NewBroker(lookup func(connID string) *Conn) *Broker {
	return &Broker{
		handlers:   make(map[string]string),
		keysByConn: make(map[string]map[string]struct{}),
		pending:    make(map[string]*pendingCall),
		lookup:     lookup,
	}
}

func handlerKey(scope types.EntityRef, method string) string {
	return scope.String() + "|" + method
}

// Register makes conn the primary handler for (scope, method),
// displacing any previous registration.
func (b *Broker) Register(scope types.EntityRef, method string, connID string) {
	key := handlerKey(scope, method)

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.handlers[key]; ok && prev != connID {
		delete(b.keysByConn[prev], key)
	}
	b.handlers[key] = connID
	if b.keysByConn[connID] == nil {
		b.keysByConn[connID] = make(map[string]struct{})
	}
	b.keysByConn[connID][key] = struct{}{}
}

// Route forwards a call to the primary handler of its target scope. The
// outcome reaches the caller asynchronously as rpc-response or rpc-error.
func (b *Broker) Route(caller *Conn, call types.RPCCallPayload) {
	b.mu.Lock()
	handlerID, ok := b.handlers[handlerKey(call.TargetScope, call.Method)]
	b.mu.Unlock()

	if !ok {
		b.sendError(caller, call.CallID, types.RPCNoHandler)
		return
	}
	handler := b.lookup(handlerID)
	if handler == nil || handler.closed() {
		b.sendError(caller, call.CallID, types.RPCNoHandler)
		return
	}

	timeout := time.Duration(call.TimeoutMS) * time.Millisecond
	if timeout <= 0 || timeout > maxRPCTimeout {
		timeout = maxRPCTimeout
	}

	// The broker rewrites the call id so concurrent callers cannot
	// collide in the handler's namespace.
	brokerID := uuid.NewString()
	pc := &pendingCall{
		callerID:     caller.ID,
		callerCallID: call.CallID,
		handlerID:    handlerID,
	}
	pc.timer = time.AfterFunc(timeout, func() { b.expire(brokerID) })

	b.mu.Lock()
	b.pending[brokerID] = pc
	b.mu.Unlock()

	forwarded := call
	forwarded.CallID = brokerID
	frame, err := types.NewFrame(types.FrameRPCCall, forwarded)
	if err != nil || !handler.enqueue(frame) {
		b.resolve(brokerID)
		b.sendError(caller, call.CallID, types.RPCTransport)
		if err == nil {
			// Slow handler: its outbound buffer is full.
			handler.close()
		}
	}
}

// HandleResponse routes a handler's reply back to the caller.
func (b *Broker) HandleResponse(from *Conn, resp types.RPCResponsePayload) {
	pc := b.resolve(resp.CallID)
	if pc == nil || pc.handlerID != from.ID {
		logging.Debug().Str("conn", from.ID).Msg("stale rpc response dropped")
		return
	}

	caller := b.lookup(pc.callerID)
	if caller == nil || caller.closed() {
		return
	}
	resp.CallID = pc.callerCallID
	if frame, err := types.NewFrame(types.FrameRPCResponse, resp); err == nil {
		caller.enqueue(frame)
	}
}

// RemoveConn clears a disconnecting connection from the broker:
// registrations vanish, and its in-flight calls fail with transport.
func (b *Broker) RemoveConn(connID string) {
	b.mu.Lock()
	for key := range b.keysByConn[connID] {
		if b.handlers[key] == connID {
			delete(b.handlers, key)
		}
	}
	delete(b.keysByConn, connID)

	var orphaned []*pendingCall
	for id, pc := range b.pending {
		if pc.handlerID == connID || pc.callerID == connID {
			pc.timer.Stop()
			delete(b.pending, id)
			if pc.handlerID == connID && pc.callerID != connID {
				orphaned = append(orphaned, pc)
			}
		}
	}
	b.mu.Unlock()

	for _, pc := range orphaned {
		if caller := b.lookup(pc.callerID); caller != nil {
			b.sendErrorID(caller, pc.callerCallID, types.RPCTransport)
		}
	}
}

// HasHandler reports whether (scope, method) currently has a handler.
func (b *Broker) HasHandler(scope types.EntityRef, method string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[handlerKey(scope, method)]
	return ok
}

func (b *Broker) expire(brokerID string) {
	pc := b.resolve(brokerID)
	if pc == nil {
		return
	}
	if caller := b.lookup(pc.callerID); caller != nil {
		b.sendErrorID(caller, pc.callerCallID, types.RPCTimeout)
	}
}

// resolve removes and returns a pending call, stopping its timer.
func (b *Broker) resolve(brokerID string) *pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc, ok := b.pending[brokerID]
	if !ok {
		return nil
	}
	pc.timer.Stop()
	delete(b.pending, brokerID)
	return pc
}

func (b *Broker) sendError(caller *Conn, callID string, reason types.RPCErrorReason) {
	b.sendErrorID(caller, callID, reason)
}

func (b *Broker) sendErrorID(caller *Conn, callID string, reason types.RPCErrorReason) {
	if frame, err := types.NewFrame(types.FrameRPCError, types.RPCErrorPayload{
		CallID: callID,
		Reason: reason,
	}); err == nil {
		caller.enqueue(frame)
	}
}
