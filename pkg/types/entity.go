// Package types defines the shared data model and wire protocol for the
// Happy sync fabric: entities, session messages, and socket frames.
// Everything the relay persists or routes on is defined here; user content
// only ever appears as ciphertext ([]byte bodies).
package types

import "fmt"

// EntityKind identifies the kind of a synced entity.
type EntityKind string

const (
	EntityAccount EntityKind = "account"
	EntityMachine EntityKind = "machine"
	EntitySession EntityKind = "session"
)

// EntityRef identifies a single entity. It doubles as a subscription scope
// tag: subscribing to {session, id} receives every update on that session.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// String returns the canonical "kind:id" form used as a routing key.
func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// ParseEntityRef parses the canonical "kind:id" form. The second return
// is false for malformed keys.
func ParseEntityRef(s string) (EntityRef, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			ref := EntityRef{Kind: EntityKind(s[:i]), ID: s[i+1:]}
			return ref, ref.Valid()
		}
	}
	return EntityRef{}, false
}

// Valid reports whether the ref names a known kind and a non-empty id.
func (r EntityRef) Valid() bool {
	switch r.Kind {
	case EntityAccount, EntityMachine, EntitySession:
		return r.ID != ""
	}
	return false
}

// ConnectionKind determines the scope a socket is auto-subscribed to on
// auth, and bounds what it may additionally subscribe to.
type ConnectionKind string

const (
	ConnectionUser    ConnectionKind = "user-scoped"
	ConnectionSession ConnectionKind = "session-scoped"
	ConnectionMachine ConnectionKind = "machine-scoped"
)

// MachineState is the daemon lifecycle reflected on the Machine entity.
type MachineState string

const (
	MachineOnline   MachineState = "online"
	MachineOffline  MachineState = "offline"
	MachineShutdown MachineState = "shutdown"
)

// Machine is one host running the CLI daemon. Identity is one machine per
// (account, hostname, home directory). Writes are exclusive to its daemon.
type Machine struct {
	ID        string       `json:"id"`
	AccountID string       `json:"accountID"`
	Hostname  string       `json:"hostname"`
	HomeDir   string       `json:"homeDir"`
	OS        string       `json:"os"`
	State     MachineState `json:"state"`
	// ActiveSessions is the index of currently running session ids.
	ActiveSessions []string `json:"activeSessions,omitempty"`
	DaemonVersion  string   `json:"daemonVersion,omitempty"`
	Version        int64    `json:"version"`
	// LastSeenAt is relay-observed heartbeat time (cleartext, relay-owned).
	LastSeenAt int64 `json:"lastSeenAt,omitempty"`
	CreatedAt  int64 `json:"createdAt"`
	UpdatedAt  int64 `json:"updatedAt"`
}

// SessionLifecycle is the session lifecycle state.
type SessionLifecycle string

const (
	SessionRunning  SessionLifecycle = "running"
	SessionArchived SessionLifecycle = "archived"
)

// Flavor selects which assistant implementation a session runs.
type Flavor string

const (
	FlavorClaude Flavor = "claude"
	FlavorCodex  Flavor = "codex"
	FlavorGemini Flavor = "gemini"
)

// SessionMetadata is the decrypted metadata body of a Session. The relay
// only ever sees its encrypted form.
type SessionMetadata struct {
	MachineID      string           `json:"machineID"`
	Directory      string           `json:"directory"`
	Flavor         Flavor           `json:"flavor"`
	Lifecycle      SessionLifecycle `json:"lifecycle"`
	PermissionMode string           `json:"permissionMode,omitempty"`
	Model          string           `json:"model,omitempty"`
	HostPID        int              `json:"hostPID,omitempty"`
	// Tools the assistant may use without asking, doublestar patterns.
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	// CrashReason is set when the session archived because the child died.
	CrashReason string `json:"crashReason,omitempty"`
}

// AgentState is the decrypted presence body of a Session.
type AgentState struct {
	Thinking         bool   `json:"thinking"`
	ControlledByUser bool   `json:"controlledByUser"`
	CurrentModel     string `json:"currentModel,omitempty"`
}

// Session is one assistant conversation. Metadata and AgentState travel as
// encrypted update bodies; the cleartext envelope carries only ids,
// versions and timestamps.
type Session struct {
	ID        string `json:"id"`
	AccountID string `json:"accountID"`
	// Tag is the random client-chosen creation key, used for idempotent
	// session creation across reconnects.
	Tag       string `json:"tag"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`

	// Decrypted client-side views. Never populated on the relay.
	Metadata   *SessionMetadata `json:"metadata,omitempty"`
	AgentState *AgentState      `json:"agentState,omitempty"`
}

// Update is one versioned delta on an entity. Seq is the per-account
// monotonic ordinal assigned by the relay; Body is ciphertext.
type Update struct {
	Seq     int64     `json:"seq"`
	Entity  EntityRef `json:"entity"`
	Channel string    `json:"channel,omitempty"`
	Version int64     `json:"version"`
	// MachineState rides cleartext on presence-channel updates; the relay
	// owns these transitions and cannot encrypt a body for them.
	MachineState MachineState `json:"machineState,omitempty"`
	Producer     string       `json:"producer,omitempty"`
	LocalID      string       `json:"localId,omitempty"`
	Body         []byte       `json:"body,omitempty"`
	CreatedAt    int64        `json:"createdAt"`
}
