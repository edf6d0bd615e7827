package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/happy-coder/happy/pkg/types"
)

var ErrNotFound = errors.New("not found")

// DefaultRetention is how many updates the log keeps per account.
const DefaultRetention = 10_000

// Store wraps the relay database. All writes that assign a seq go through
// the per-account lock, which is the account's serialization point.
type Store struct {
	db        *sql.DB
	retention int64

	locks sync.Map // accountID -> *sync.Mutex
}

// New creates a Store. retention <= 0 uses DefaultRetention.
func New(db *sql.DB, retention int64) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention}
}

func (s *Store) accountLock(accountID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func now() int64 { return time.Now().UnixMilli() }

// NewID returns a fresh ULID with the given prefix.
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// --- accounts ---

// CreateAccount registers an account with its bearer token. Idempotent on id.
func (s *Store) CreateAccount(ctx context.Context, id, token string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, token, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		id, token, ts, ts)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// AccountIDByToken resolves a bearer token to an account id.
func (s *Store) AccountIDByToken(ctx context.Context, token string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE token = ?`, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}
	return id, nil
}

// --- entities ---

// Entity returns the current version and ciphertext body of an entity.
// A never-written entity reports version 0 with a nil body.
func (s *Store) Entity(ctx context.Context, accountID string, ref types.EntityRef) (int64, []byte, error) {
	var version int64
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT version, body FROM entities WHERE account_id = ? AND kind = ? AND id = ?`,
		accountID, ref.Kind, ref.ID).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("load entity: %w", err)
	}
	return version, body, nil
}

// AppendParams describes one publish.
type AppendParams struct {
	Entity   types.EntityRef
	Channel  string // "", types.ChannelMessage, or types.ChannelPresence
	Producer string
	LocalID  string
	Body     []byte
	// ExpectedVersion guards entity-channel updates only.
	ExpectedVersion *int64
	// Archive flags the session archived in the cleartext index.
	Archive bool
	// MachineState accompanies presence-channel updates on machines.
	MachineState types.MachineState
}

// AppendUpdate durably appends one update, assigning the next per-account
// seq. Returns the stored update and whether it already existed (localId
// replay). Entity-channel publishes that fail the version guard return a
// *types.UpdateRejectedError carrying the authoritative state.
func (s *Store) AppendUpdate(ctx context.Context, accountID string, p AppendParams) (*types.Update, bool, error) {
	mu := s.accountLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	if p.Body == nil {
		p.Body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Idempotent retry: same (entity, localId) returns the first landing.
	if p.LocalID != "" {
		if existing, err := s.findByLocalID(ctx, tx, accountID, p); err == nil {
			return existing, true, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		// The update log prunes at the retention horizon; the message
		// index does not, so message dedup consults it as well.
		if p.Channel == types.ChannelMessage && p.Entity.Kind == types.EntitySession {
			if existing, err := s.findMessageByLocalID(ctx, tx, p); err == nil {
				return existing, true, nil
			} else if !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
		}
	}

	var currentVersion int64
	var currentBody []byte
	err = tx.QueryRowContext(ctx,
		`SELECT version, body FROM entities WHERE account_id = ? AND kind = ? AND id = ?`,
		accountID, p.Entity.Kind, p.Entity.ID).Scan(&currentVersion, &currentBody)
	entityExists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("load entity: %w", err)
	}

	ts := now()
	newVersion := currentVersion

	if p.Channel == "" {
		expected := int64(0)
		if p.ExpectedVersion != nil {
			expected = *p.ExpectedVersion
		}
		if expected != currentVersion {
			return nil, false, &types.UpdateRejectedError{
				Reason:         types.RejectVersionMismatch,
				CurrentVersion: currentVersion,
				CurrentBody:    currentBody,
			}
		}
		newVersion = currentVersion + 1

		if entityExists {
			_, err = tx.ExecContext(ctx,
				`UPDATE entities SET version = ?, body = ?, updated_at = ? WHERE account_id = ? AND kind = ? AND id = ?`,
				newVersion, p.Body, ts, accountID, p.Entity.Kind, p.Entity.ID)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO entities (account_id, kind, id, version, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				accountID, p.Entity.Kind, p.Entity.ID, newVersion, p.Body, ts, ts)
		}
		if err != nil {
			return nil, false, fmt.Errorf("write entity: %w", err)
		}
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE accounts SET last_seq = last_seq + 1, updated_at = ? WHERE id = ? RETURNING last_seq`,
		ts, accountID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("assign seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO updates (account_id, seq, entity_kind, entity_id, channel, version, producer, local_id, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		accountID, seq, p.Entity.Kind, p.Entity.ID, p.Channel, newVersion, p.Producer, p.LocalID, p.Body, ts)
	if err != nil {
		return nil, false, fmt.Errorf("append update: %w", err)
	}

	if p.Channel == types.ChannelPresence && p.Entity.Kind == types.EntityMachine {
		_, err = tx.ExecContext(ctx,
			`UPDATE machines SET state = ? WHERE id = ?`, p.MachineState, p.Entity.ID)
		if err != nil {
			return nil, false, fmt.Errorf("record presence: %w", err)
		}
	}

	if p.Channel == types.ChannelMessage && p.Entity.Kind == types.EntitySession {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, id, local_id, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			p.Entity.ID, seq, NewID("msg"), p.LocalID, p.Body, ts)
		if err != nil {
			return nil, false, fmt.Errorf("index message: %w", err)
		}
	}

	if p.Archive && p.Entity.Kind == types.EntitySession {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, ts, p.Entity.ID)
		if err != nil {
			return nil, false, fmt.Errorf("archive session: %w", err)
		}
	}

	// Tail-truncate the log at the retention horizon. Messages stay; they
	// are served from the snapshot endpoints on resync.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM updates WHERE account_id = ? AND seq <= ?`, accountID, seq-s.retention)
	if err != nil {
		return nil, false, fmt.Errorf("prune updates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit append: %w", err)
	}

	return &types.Update{
		Seq:          seq,
		Entity:       p.Entity,
		Channel:      p.Channel,
		Version:      newVersion,
		MachineState: p.MachineState,
		Producer:     p.Producer,
		LocalID:      p.LocalID,
		Body:         p.Body,
		CreatedAt:    ts,
	}, false, nil
}

func (s *Store) findByLocalID(ctx context.Context, tx *sql.Tx, accountID string, p AppendParams) (*types.Update, error) {
	var u types.Update
	u.Entity = p.Entity
	err := tx.QueryRowContext(ctx,
		`SELECT seq, version, producer, local_id, body, created_at FROM updates
		 WHERE account_id = ? AND entity_kind = ? AND entity_id = ? AND local_id = ?`,
		accountID, p.Entity.Kind, p.Entity.ID, p.LocalID).
		Scan(&u.Seq, &u.Version, &u.Producer, &u.LocalID, &u.Body, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup local id: %w", err)
	}
	return &u, nil
}

func (s *Store) findMessageByLocalID(ctx context.Context, tx *sql.Tx, p AppendParams) (*types.Update, error) {
	var u types.Update
	u.Entity = p.Entity
	u.Channel = types.ChannelMessage
	err := tx.QueryRowContext(ctx,
		`SELECT seq, local_id, body, created_at FROM messages WHERE session_id = ? AND local_id = ?`,
		p.Entity.ID, p.LocalID).Scan(&u.Seq, &u.LocalID, &u.Body, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup message local id: %w", err)
	}
	return &u, nil
}

// --- update log ---

// LogBounds returns the lowest retained seq (0 when the log is empty) and
// the account's last assigned seq.
func (s *Store) LogBounds(ctx context.Context, accountID string) (minSeq, lastSeq int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT last_seq FROM accounts WHERE id = ?`, accountID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load account: %w", err)
	}

	var min sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM updates WHERE account_id = ?`, accountID).Scan(&min); err != nil {
		return 0, 0, fmt.Errorf("load log bounds: %w", err)
	}
	if min.Valid {
		minSeq = min.Int64
	}
	return minSeq, lastSeq, nil
}

// UpdatesSince returns retained updates with seq > since, ascending.
func (s *Store) UpdatesSince(ctx context.Context, accountID string, since int64, limit int) ([]types.Update, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, entity_kind, entity_id, channel, version, producer, local_id, body, created_at
		 FROM updates WHERE account_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var out []types.Update
	for rows.Next() {
		var u types.Update
		if err := rows.Scan(&u.Seq, &u.Entity.Kind, &u.Entity.ID, &u.Channel,
			&u.Version, &u.Producer, &u.LocalID, &u.Body, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- sessions ---

// CreateSession creates a session keyed by the client's random tag.
// Idempotent: a replayed tag returns the session that already landed.
func (s *Store) CreateSession(ctx context.Context, accountID, tag string) (*types.Session, bool, error) {
	var existing types.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, tag, created_at FROM sessions WHERE account_id = ? AND tag = ?`,
		accountID, tag).Scan(&existing.ID, &existing.AccountID, &existing.Tag, &existing.CreatedAt)
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("lookup session tag: %w", err)
	}

	ses := &types.Session{
		ID:        NewID("ses"),
		AccountID: accountID,
		Tag:       tag,
		CreatedAt: now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, account_id, tag, created_at) VALUES (?, ?, ?, ?)`,
		ses.ID, ses.AccountID, ses.Tag, ses.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return ses, true, nil
}

// GetSession loads a session envelope plus its current entity state.
func (s *Store) GetSession(ctx context.Context, accountID, sessionID string) (*types.Session, int64, []byte, error) {
	var ses types.Session
	var archived sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, tag, archived_at, created_at FROM sessions WHERE account_id = ? AND id = ?`,
		accountID, sessionID).Scan(&ses.ID, &ses.AccountID, &ses.Tag, &archived, &ses.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil, ErrNotFound
	}
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load session: %w", err)
	}

	version, body, err := s.Entity(ctx, accountID, types.EntityRef{Kind: types.EntitySession, ID: sessionID})
	if err != nil {
		return nil, 0, nil, err
	}
	ses.Version = version
	return &ses, version, body, nil
}

// SessionAccount resolves which account owns a session, for scope checks.
func (s *Store) SessionAccount(ctx context.Context, sessionID string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id FROM sessions WHERE id = ?`, sessionID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load session owner: %w", err)
	}
	return accountID, nil
}

// --- machines ---

// UpsertMachine registers a machine and refreshes its presence.
func (s *Store) UpsertMachine(ctx context.Context, accountID, machineID string, state types.MachineState) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, account_id, state, last_seen_at, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, last_seen_at = excluded.last_seen_at`,
		machineID, accountID, state, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert machine: %w", err)
	}
	return nil
}

// GetMachine loads a machine's cleartext row plus its encrypted entity state.
func (s *Store) GetMachine(ctx context.Context, accountID, machineID string) (*types.Machine, int64, []byte, error) {
	var m types.Machine
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, state, last_seen_at FROM machines WHERE account_id = ? AND id = ?`,
		accountID, machineID).Scan(&m.ID, &m.AccountID, &m.State, &m.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil, ErrNotFound
	}
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load machine: %w", err)
	}

	version, body, err := s.Entity(ctx, accountID, types.EntityRef{Kind: types.EntityMachine, ID: machineID})
	if err != nil {
		return nil, 0, nil, err
	}
	return &m, version, body, nil
}

// MachineAccount resolves which account owns a machine.
func (s *Store) MachineAccount(ctx context.Context, machineID string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id FROM machines WHERE id = ?`, machineID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load machine owner: %w", err)
	}
	return accountID, nil
}

// StaleMachine identifies a machine whose daemon stopped heartbeating.
type StaleMachine struct {
	ID        string
	AccountID string
}

// StaleOnlineMachines returns online machines silent since before cutoff.
func (s *Store) StaleOnlineMachines(ctx context.Context, cutoff int64) ([]StaleMachine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id FROM machines WHERE state = ? AND last_seen_at < ?`,
		types.MachineOnline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load stale machines: %w", err)
	}
	defer rows.Close()

	var out []StaleMachine
	for rows.Next() {
		var m StaleMachine
		if err := rows.Scan(&m.ID, &m.AccountID); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMachineState transitions a machine's presence state.
func (s *Store) SetMachineState(ctx context.Context, machineID string, state types.MachineState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE machines SET state = ? WHERE id = ?`, state, machineID)
	if err != nil {
		return fmt.Errorf("set machine state: %w", err)
	}
	return nil
}

// --- messages ---

// MessagesSince returns a session's messages with seq > since, ascending.
// The message log has no retention horizon; this backs snapshot fetch.
func (s *Store) MessagesSince(ctx context.Context, sessionID string, since int64, limit int) ([]types.SessionMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, id, local_id, body, created_at FROM messages
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []types.SessionMessage
	for rows.Next() {
		var m types.SessionMessage
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.ID, &m.LocalID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
