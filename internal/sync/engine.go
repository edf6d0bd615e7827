package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/pkg/types"
)

// maxRebase bounds the optimistic-concurrency retry loop.
const maxRebase = 5

// ErrStateConflict reports a mutation that lost the version race maxRebase
// times in a row.
var ErrStateConflict = errors.New("state conflict: rebase budget exhausted")

// Event is one decrypted change delivered to observers.
type Event struct {
	Entity       types.EntityRef
	Channel      string
	Seq          int64
	Version      int64
	Producer     string
	MachineState types.MachineState
	// Value is the decrypted body; nil for empty bodies.
	Value     json.RawMessage
	CreatedAt int64
}

// Observer receives applied events. Called from the applier; observers
// must not block.
type Observer func(Event)

type entityState struct {
	version int64
	value   json.RawMessage
}

// Engine layers state on the Client: the entity cache, the durable seq
// cursor, the rebase loop, the outbox, and E2E encryption of every body.
type Engine struct {
	client *Client
	cipher *crypto.Cipher
	api    *API
	outbox *Outbox

	cursorPath string

	mu        sync.Mutex
	lastSeq   int64
	entities  map[string]entityState
	scopes    []types.EntityRef
	observers []Observer
	// strictGaps is set for account-scope subscribers, which see every
	// seq and can therefore treat a hole as loss.
	strictGaps bool
}

// NewEngine creates an Engine over client. api may be nil when snapshot
// refetch is handled by the caller; cursorPath persists the seq cursor
// across restarts ("" disables).
func NewEngine(client *Client, cipher *crypto.Cipher, api *API, cursorPath string) *Engine {
	e := &Engine{
		client:     client,
		cipher:     cipher,
		api:        api,
		outbox:     NewOutbox(0),
		cursorPath: cursorPath,
		entities:   make(map[string]entityState),
		strictGaps: client.cfg.Kind == types.ConnectionUser,
	}
	e.loadCursor()

	client.OnUpdate(e.applyUpdate)
	client.OnResync(func(p types.ResyncPayload) { go e.resync(p) })
	client.OnStatus(func(s Status) {
		if s == StatusConnected {
			go e.flushOutbox()
		}
	})
	return e
}

// Client returns the underlying socket client.
func (e *Engine) Client() *Client { return e.client }

// Observe registers an observer for applied events.
func (e *Engine) Observe(fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notify(ev Event) {
	e.mu.Lock()
	obs := append([]Observer{}, e.observers...)
	e.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}

// SubscribeScope attaches to a scope, resuming from the durable cursor on
// every (re)connect.
func (e *Engine) SubscribeScope(scope types.EntityRef) {
	e.mu.Lock()
	e.scopes = append(e.scopes, scope)
	e.mu.Unlock()
	e.client.Subscribe(scope, e.LastSeq)
}

// LastSeq returns the applied-seq cursor.
func (e *Engine) LastSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

// Entity returns the cached decrypted state of an entity. A never-seen
// entity reports version 0 with a nil value.
func (e *Engine) Entity(ref types.EntityRef) (int64, json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.entities[ref.String()]
	return st.version, st.value
}

// SeedEncrypted installs a snapshot-fetched entity state into the cache.
func (e *Engine) SeedEncrypted(ref types.EntityRef, version int64, body []byte) error {
	var value json.RawMessage
	if len(body) > 0 {
		plain, err := e.cipher.Open(body)
		if err != nil {
			return fmt.Errorf("decrypt %s snapshot: %w", ref, err)
		}
		value = plain
	}
	e.mu.Lock()
	e.entities[ref.String()] = entityState{version: version, value: value}
	e.mu.Unlock()

	e.notify(Event{Entity: ref, Version: version, Value: value})
	return nil
}

func newLocalID() string {
	return "loc_" + ulid.Make().String()
}

// applyUpdate is the applier: monotonicity check, decrypt, cache patch,
// observer notify. Self-echoes are suppressed by the relay; the producer
// check here is a second line for replays.
func (e *Engine) applyUpdate(p types.UpdatePayload) {
	if p.Producer != "" && p.Producer == e.client.ConnectionID() {
		return
	}

	e.mu.Lock()
	if p.Seq <= e.lastSeq {
		e.mu.Unlock()
		return
	}
	gap := e.strictGaps && e.lastSeq > 0 && p.Seq > e.lastSeq+1
	e.lastSeq = p.Seq
	e.saveCursorLocked()

	var value json.RawMessage
	if len(p.Body) > 0 {
		plain, err := e.cipher.Open(p.Body)
		if err != nil {
			e.mu.Unlock()
			logging.Error().Err(err).Str("entity", p.Entity.String()).Msg("undecryptable update dropped")
			return
		}
		value = plain
	}

	if p.Channel == "" {
		e.entities[p.Entity.String()] = entityState{version: p.Version, value: value}
	}
	e.mu.Unlock()

	e.notify(Event{
		Entity:       p.Entity,
		Channel:      p.Channel,
		Seq:          p.Seq,
		Version:      p.Version,
		Producer:     p.Producer,
		MachineState: p.MachineState,
		Value:        value,
		CreatedAt:    p.CreatedAt,
	})

	if gap {
		logging.Warn().Int64("seq", p.Seq).Msg("seq gap detected")
		go e.resync(types.ResyncPayload{
			Scope:  types.EntityRef{Kind: types.EntityAccount, ID: e.client.AccountID()},
			MinSeq: p.Seq,
		})
	}
}

// Mutate runs the rebase-and-retry loop on an entity: read the cached
// state, apply mutator, publish with the expected version, and on a
// version-mismatch adopt the authoritative state and try again.
func (e *Engine) Mutate(ctx context.Context, ref types.EntityRef, mutator func(current json.RawMessage) (json.RawMessage, error)) error {
	return e.mutate(ctx, ref, false, mutator)
}

// MutateArchive is Mutate with the cleartext archive flag set, used for
// the final lifecycle write of a session.
func (e *Engine) MutateArchive(ctx context.Context, ref types.EntityRef, mutator func(current json.RawMessage) (json.RawMessage, error)) error {
	return e.mutate(ctx, ref, true, mutator)
}

func (e *Engine) mutate(ctx context.Context, ref types.EntityRef, archive bool, mutator func(current json.RawMessage) (json.RawMessage, error)) error {
	key := ref.String()

	for attempt := 0; attempt < maxRebase; attempt++ {
		e.mu.Lock()
		st := e.entities[key]
		e.mu.Unlock()

		next, err := mutator(st.value)
		if err != nil {
			return err
		}
		sealed, err := e.cipher.Seal(next)
		if err != nil {
			return fmt.Errorf("encrypt update: %w", err)
		}

		expected := st.version
		p := types.UpdatePayload{
			Entity:          ref,
			Archive:         archive,
			LocalID:         newLocalID(),
			Body:            sealed,
			ExpectedVersion: &expected,
			CreatedAt:       time.Now().UnixMilli(),
		}

		// Optimistic local apply; observers see the new state before the
		// server confirms it.
		e.mu.Lock()
		e.entities[key] = entityState{version: expected + 1, value: next}
		e.mu.Unlock()
		e.notify(Event{Entity: ref, Version: expected + 1, Value: next})

		ack, rej, err := e.client.Publish(ctx, p)
		if errors.Is(err, ErrDisconnected) {
			// Offline: the optimistic state stands and the publish waits
			// in the outbox for reconnect.
			return e.outbox.Enqueue(p)
		}
		if err != nil {
			return err
		}
		if rej != nil {
			if rej.Reason != types.RejectVersionMismatch {
				return fmt.Errorf("update rejected: %s", rej.Reason)
			}
			var current json.RawMessage
			if len(rej.CurrentBody) > 0 {
				current, err = e.cipher.Open(rej.CurrentBody)
				if err != nil {
					return fmt.Errorf("decrypt authoritative state: %w", err)
				}
			}
			e.mu.Lock()
			e.entities[key] = entityState{version: rej.CurrentVersion, value: current}
			e.mu.Unlock()
			continue
		}

		e.mu.Lock()
		e.entities[key] = entityState{version: ack.NewVersion, value: next}
		e.mu.Unlock()
		return nil
	}
	return ErrStateConflict
}

// SendMessage appends one message to a session's log. Messages have no
// version guard; the localId makes retries idempotent.
func (e *Engine) SendMessage(ctx context.Context, sessionID string, content *types.MessageContent) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	sealed, err := e.cipher.Seal(raw)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}

	p := types.UpdatePayload{
		Entity:    types.EntityRef{Kind: types.EntitySession, ID: sessionID},
		Channel:   types.ChannelMessage,
		LocalID:   newLocalID(),
		Body:      sealed,
		CreatedAt: time.Now().UnixMilli(),
	}

	_, rej, err := e.client.Publish(ctx, p)
	if errors.Is(err, ErrDisconnected) {
		return e.outbox.Enqueue(p)
	}
	if err != nil {
		return err
	}
	if rej != nil {
		return fmt.Errorf("message rejected: %s", rej.Reason)
	}
	return nil
}

// PublishRaw publishes a pre-built payload, spooling it when offline.
// Used to replay spool files after a session starts offline.
func (e *Engine) PublishRaw(ctx context.Context, p types.UpdatePayload) error {
	if p.LocalID == "" {
		p.LocalID = newLocalID()
	}
	_, rej, err := e.client.Publish(ctx, p)
	if errors.Is(err, ErrDisconnected) {
		return e.outbox.Enqueue(p)
	}
	if err != nil {
		return err
	}
	if rej != nil {
		return fmt.Errorf("update rejected: %s", rej.Reason)
	}
	return nil
}

// SendEphemeral fires a best-effort encrypted signal at a scope.
func (e *Engine) SendEphemeral(scope types.EntityRef, kind string, payload any) error {
	var body []byte
	if payload != nil {
		sealed, err := e.cipher.SealJSON(payload)
		if err != nil {
			return err
		}
		body = sealed
	}
	return e.client.SendEphemeral(types.EphemeralPayload{
		Scope: scope,
		Kind:  kind,
		TS:    time.Now().UnixMilli(),
		Body:  body,
	})
}

// flushOutbox replays buffered publishes after a reconnect, in order.
func (e *Engine) flushOutbox() {
	entries := e.outbox.Drain()
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i, p := range entries {
		_, rej, err := e.client.Publish(ctx, p)
		if err != nil {
			e.outbox.Requeue(entries[i:])
			return
		}
		if rej != nil && rej.Reason == types.RejectVersionMismatch {
			// The entity moved while we were offline; the authoritative
			// state arrives through the subscription. The buffered write
			// is stale and dropped.
			logging.Warn().Str("entity", p.Entity.String()).Msg("stale offline update dropped")
		}
	}
	logging.Debug().Int("count", len(entries)).Msg("outbox flushed")
}

// resync recovers from a cursor below the retention horizon: full entity
// refetch, cursor reset to the snapshot floor, fresh subscription.
func (e *Engine) resync(p types.ResyncPayload) {
	if e.api == nil {
		logging.Warn().Int64("minSeq", p.MinSeq).Msg("resync required but no snapshot api")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := e.api.Updates(ctx, p.MinSeq-1, 1)
	if err != nil {
		logging.Error().Err(err).Msg("resync bounds fetch failed")
		return
	}

	e.mu.Lock()
	refs := make([]types.EntityRef, 0, len(e.entities))
	for key := range e.entities {
		if ref, ok := types.ParseEntityRef(key); ok {
			refs = append(refs, ref)
		}
	}
	scopes := append([]types.EntityRef{}, e.scopes...)
	e.mu.Unlock()

	for _, ref := range refs {
		var version int64
		var body []byte
		switch ref.Kind {
		case types.EntitySession:
			snap, err := e.api.GetSession(ctx, ref.ID)
			if err != nil {
				logging.Error().Err(err).Str("entity", ref.String()).Msg("resync fetch failed")
				continue
			}
			version, body = snap.Version, snap.Body
		case types.EntityMachine:
			snap, err := e.api.GetMachine(ctx, ref.ID)
			if err != nil {
				logging.Error().Err(err).Str("entity", ref.String()).Msg("resync fetch failed")
				continue
			}
			version, body = snap.Version, snap.Body
		default:
			continue
		}
		if err := e.SeedEncrypted(ref, version, body); err != nil {
			logging.Error().Err(err).Str("entity", ref.String()).Msg("resync seed failed")
		}
	}

	e.mu.Lock()
	e.lastSeq = page.LastSeq
	e.saveCursorLocked()
	e.mu.Unlock()

	for _, scope := range scopes {
		e.client.Subscribe(scope, e.LastSeq)
	}
	logging.Info().Int64("lastSeq", page.LastSeq).Msg("resync complete")
}

// --- durable cursor ---

type cursorFile struct {
	LastSeq int64 `json:"lastSeq"`
}

func (e *Engine) loadCursor() {
	if e.cursorPath == "" {
		return
	}
	raw, err := os.ReadFile(e.cursorPath)
	if err != nil {
		return
	}
	var c cursorFile
	if json.Unmarshal(raw, &c) == nil {
		e.lastSeq = c.LastSeq
	}
}

func (e *Engine) saveCursorLocked() {
	if e.cursorPath == "" {
		return
	}
	raw, err := json.Marshal(cursorFile{LastSeq: e.lastSeq})
	if err != nil {
		return
	}
	tmp := e.cursorPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		logging.Debug().Err(err).Msg("cursor write failed")
		return
	}
	if err := os.Rename(tmp, e.cursorPath); err != nil {
		logging.Debug().Err(err).Msg("cursor rename failed")
	}
}

// EnsureCursorDir creates the directory holding a cursor file.
func EnsureCursorDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}

// --- E2E RPC surface ---

// InvokeRPC calls a remote handler with an encrypted request and returns
// the decrypted response.
func (e *Engine) InvokeRPC(ctx context.Context, target types.EntityRef, method string, request any, timeout time.Duration) (json.RawMessage, error) {
	sealed, err := e.cipher.SealJSON(request)
	if err != nil {
		return nil, fmt.Errorf("encrypt rpc request: %w", err)
	}

	raw, err := e.client.Invoke(ctx, target, method, sealed, timeout)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && len(remote.Body) > 0 {
			var msg string
			if e.cipher.OpenJSON(remote.Body, &msg) == nil {
				return nil, fmt.Errorf("rpc %s: %s", method, msg)
			}
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	plain, err := e.cipher.Open(raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt rpc response: %w", err)
	}
	return plain, nil
}

// RegisterRPC installs a handler whose requests and responses are E2E
// encrypted. The handler's error string travels encrypted too.
func (e *Engine) RegisterRPC(scope types.EntityRef, method string, handler func(ctx context.Context, request json.RawMessage) (any, error)) {
	e.client.Register(scope, method, func(ctx context.Context, request []byte) ([]byte, error) {
		var plain []byte
		if len(request) > 0 {
			opened, err := e.cipher.Open(request)
			if err != nil {
				return nil, fmt.Errorf("decrypt rpc request: %w", err)
			}
			plain = opened
		}

		result, err := handler(ctx, plain)
		if err != nil {
			sealed, sealErr := e.cipher.SealJSON(err.Error())
			if sealErr != nil {
				return nil, err
			}
			return sealed, err
		}

		sealed, err := e.cipher.SealJSON(result)
		if err != nil {
			return nil, fmt.Errorf("encrypt rpc response: %w", err)
		}
		return sealed, nil
	})
}
