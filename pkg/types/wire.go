package types

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a socket frame.
type FrameType string

const (
	FrameAuth         FrameType = "auth"
	FrameAuthOK       FrameType = "auth-ok"
	FrameSubscribe    FrameType = "subscribe"
	FrameUpdate       FrameType = "update"
	FrameUpdateAck    FrameType = "update-ack"
	FrameUpdateReject FrameType = "update-reject"
	FrameEphemeral    FrameType = "ephemeral"
	FrameRPCCall      FrameType = "rpc-call"
	FrameRPCResponse  FrameType = "rpc-response"
	FrameRPCError     FrameType = "rpc-error"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameResync       FrameType = "resync-required"
)

// Frame is the envelope for every message on the socket. Payload holds the
// per-type payload struct; user content inside payloads is ciphertext.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Update channels beyond the default version-guarded entity channel.
const (
	// ChannelMessage routes an update as a session message append.
	ChannelMessage = "message"
	// ChannelPresence carries relay-owned machine state transitions.
	ChannelPresence = "presence"
)

// NewFrame marshals payload into a Frame of the given type.
func NewFrame(t FrameType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: raw}, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// AuthPayload is the first frame a client sends.
type AuthPayload struct {
	Token          string         `json:"token"`
	ConnectionKind ConnectionKind `json:"connectionKind"`
	// ScopeRef names the session or machine for scoped connection kinds.
	ScopeRef *EntityRef `json:"scopeRef,omitempty"`
}

// AuthOKPayload confirms authentication.
type AuthOKPayload struct {
	ConnectionID string `json:"connectionId"`
	AccountID    string `json:"accountId"`
	ServerTime   int64  `json:"serverTime"`
}

// SubscribePayload requests an additional scope plus log replay.
type SubscribePayload struct {
	Scope EntityRef `json:"scope"`
	// SinceSeq replays all updates with seq greater than this value.
	// Nil means live tail only.
	SinceSeq *int64 `json:"sinceSeq,omitempty"`
}

// UpdatePayload carries a persistent update in either direction. Client
// publishes set ExpectedVersion and LocalID; server deliveries set Seq,
// Version and Producer.
type UpdatePayload struct {
	Entity EntityRef `json:"entityRef"`
	// Channel distinguishes version-guarded entity updates (default) from
	// append-only session message publishes (ChannelMessage). Both consume
	// the same per-account seq so one subscriber cursor covers the log.
	Channel string `json:"channel,omitempty"`
	// Archive marks the session archived in the relay's cleartext index.
	// Set by the CLI alongside the session-death message; the relay never
	// learns lifecycle from body contents.
	Archive bool `json:"archive,omitempty"`
	// MachineState is set on presence-channel deliveries only.
	MachineState    MachineState `json:"machineState,omitempty"`
	Version         int64        `json:"version,omitempty"`
	ExpectedVersion *int64       `json:"expectedVersion,omitempty"`
	Seq             int64        `json:"seq,omitempty"`
	Producer        string       `json:"producer,omitempty"`
	LocalID         string       `json:"localId"`
	Body            []byte       `json:"body"`
	CreatedAt       int64        `json:"createdAt,omitempty"`
}

// UpdateAckPayload acknowledges a durable publish.
type UpdateAckPayload struct {
	LocalID    string `json:"localId"`
	Seq        int64  `json:"seq"`
	NewVersion int64  `json:"newVersion"`
}

// RejectReason enumerates publish rejection causes.
type RejectReason string

const (
	RejectVersionMismatch RejectReason = "version-mismatch"
	RejectAuth            RejectReason = "auth"
	RejectRateLimit       RejectReason = "rate-limit"
)

// UpdateRejectPayload reports a refused publish. On version-mismatch the
// authoritative current state rides along so the client can rebase.
type UpdateRejectPayload struct {
	LocalID        string       `json:"localId"`
	Reason         RejectReason `json:"reason"`
	CurrentVersion int64        `json:"currentVersion,omitempty"`
	CurrentBody    []byte       `json:"currentBody,omitempty"`
}

// EphemeralPayload is a transient, unpersisted signal fanned out to the
// currently connected members of a scope.
type EphemeralPayload struct {
	Scope EntityRef `json:"scope"`
	Kind  string    `json:"kind"`
	TS    int64     `json:"ts"`
	Body  []byte    `json:"payload,omitempty"`
}

// Well-known ephemeral kinds.
const (
	EphemeralTyping   = "typing"
	EphemeralPresence = "presence"
	EphemeralUsage    = "usage"
)

// RPCCallPayload requests a method on the primary handler of a scope.
type RPCCallPayload struct {
	CallID      string    `json:"callId"`
	TargetScope EntityRef `json:"targetScope"`
	Method      string    `json:"method"`
	TimeoutMS   int64     `json:"timeoutMs"`
	Request     []byte    `json:"request,omitempty"`
}

// RPCRegisterPayload registers the sending connection as the primary
// handler for a method on a scope.
type RPCRegisterPayload struct {
	Scope  EntityRef `json:"scope"`
	Method string    `json:"method"`
}

// FrameRPCRegister is client-to-server only.
const FrameRPCRegister FrameType = "rpc-register"

// RPCResponsePayload carries a handler's reply back to the caller.
type RPCResponsePayload struct {
	CallID    string `json:"callId"`
	OK        bool   `json:"ok"`
	Response  []byte `json:"response,omitempty"`
	ErrorBody []byte `json:"errorBody,omitempty"`
}

// RPCErrorReason enumerates broker-level RPC failures.
type RPCErrorReason string

const (
	RPCNoHandler RPCErrorReason = "no-handler"
	RPCTimeout   RPCErrorReason = "timeout"
	RPCTransport RPCErrorReason = "transport"
)

// RPCErrorPayload reports a call that never reached a handler response.
type RPCErrorPayload struct {
	CallID string         `json:"callId"`
	Reason RPCErrorReason `json:"reason"`
}

// HeartbeatPayload keeps the socket alive in both directions.
type HeartbeatPayload struct {
	TS int64 `json:"ts"`
}

// ResyncPayload tells a subscriber its cursor fell below the retention
// horizon; it must refetch entity state before resuming.
type ResyncPayload struct {
	Scope  EntityRef `json:"scope"`
	MinSeq int64     `json:"minSeq"`
}
