package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/happy-coder/happy/internal/config"
	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/permission"
	"github.com/happy-coder/happy/internal/sync"
	"github.com/happy-coder/happy/pkg/types"
)

// errChildExited signals normal end-of-session through the errgroup.
var errChildExited = errors.New("assistant child exited")

// sessionBody is the decrypted entity state of a session: metadata plus
// agent presence, versioned together under the entity's version.
type sessionBody struct {
	Metadata   *types.SessionMetadata `json:"metadata,omitempty"`
	AgentState *types.AgentState      `json:"agentState,omitempty"`
}

// RuntimeConfig configures one wrapped assistant session.
type RuntimeConfig struct {
	Paths     *config.Paths
	ServerURL string
	Token     string
	Cipher    *crypto.Cipher

	MachineID string
	Flavor    types.Flavor
	WorkDir   string
	Model     string
	Mode      permission.Mode

	AllowedTools    []string
	DisallowedTools []string
	AutoApprovePlan bool
	// PermissionTimeout bounds pending approvals; expiry denies.
	PermissionTimeout time.Duration

	// Tag is the idempotent session creation key; generated when empty.
	Tag string
	// Binary overrides assistant executable discovery, used by tests.
	Binary string
	Env    map[string]string
}

// Runtime wraps one assistant child: it creates the session, bridges the
// child's stdio to encrypted session messages, enforces permissions, and
// archives the session when the child exits.
type Runtime struct {
	cfg      RuntimeConfig
	tag      string
	api      *sync.API
	registry *permission.Registry
	pump     *Pump
	spool    *Spool
	hooks    *HookServer

	// events fans in parsed output across child restarts; done releases
	// the forwarding goroutines once the loops have stopped draining.
	events chan ChildEvent
	done   chan struct{}

	mu         gosync.Mutex
	engine     *sync.Engine
	sessionID  string
	sessionRef types.EntityRef
	policy     permission.Policy
	model      string
	resumeRef  string
	child      *Child
	restarting bool
	usage      types.UsageStats
	spawnCfg   SpawnConfig
}

// NewRuntime prepares a Runtime; Run starts everything.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	tag := cfg.Tag
	if tag == "" {
		tag = "ses_" + ulid.Make().String()
	}
	if cfg.Mode == "" {
		cfg.Mode = permission.ModeDefault
	}
	return &Runtime{
		cfg:      cfg,
		tag:      tag,
		api:      sync.NewAPI(cfg.ServerURL, cfg.Token),
		registry: permission.NewRegistry(cfg.PermissionTimeout),
		pump:     NewPump(),
		spool:    NewSpool(cfg.Paths.SessionSpoolPath(tag)),
		hooks:    NewHookServer(),
		events:   make(chan ChildEvent, 64),
		done:     make(chan struct{}),
		policy: permission.Policy{
			Mode:            cfg.Mode,
			AllowedTools:    cfg.AllowedTools,
			DisallowedTools: cfg.DisallowedTools,
			AutoApprovePlan: cfg.AutoApprovePlan,
		},
		model: cfg.Model,
	}
}

// Tag returns the session creation key.
func (r *Runtime) Tag() string { return r.tag }

// SessionID returns the relay-assigned session id, empty until the
// session is established.
func (r *Runtime) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Run drives the session to completion: local servers, child spawn, sync
// connection, message loops. Returns the child's exit code semantics via
// error (nil for exit 0).
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tools := NewToolServer(r.cfg.WorkDir, r.currentPolicy, r.askPermission)
	toolURL, stopTools, err := tools.Serve(ctx)
	if err != nil {
		return err
	}
	defer stopTools()

	hookURL, stopHooks, err := r.hooks.Serve(ctx)
	if err != nil {
		return err
	}
	defer stopHooks()

	stateDir := filepath.Join(r.cfg.Paths.Home, "sessions", r.tag)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("session state dir: %w", err)
	}
	settingsPath := filepath.Join(stateDir, "hook-settings.json")
	mcpPath := filepath.Join(stateDir, "mcp.json")
	if err := WriteHookSettings(settingsPath, hookURL); err != nil {
		return err
	}
	if err := WriteMCPConfig(mcpPath, toolURL); err != nil {
		return err
	}

	r.mu.Lock()
	r.spawnCfg = SpawnConfig{
		Flavor:          r.cfg.Flavor,
		WorkDir:         r.cfg.WorkDir,
		Model:           r.model,
		Mode:            r.policy.Mode,
		AllowedTools:    r.cfg.AllowedTools,
		DisallowedTools: r.cfg.DisallowedTools,
		SettingsPath:    settingsPath,
		MCPConfigPath:   mcpPath,
		ToolServerURL:   toolURL,
		Env:             r.cfg.Env,
		Binary:          r.cfg.Binary,
	}
	spawnCfg := r.spawnCfg
	r.mu.Unlock()

	child, err := Spawn(ctx, spawnCfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.child = child
	r.mu.Unlock()
	r.attach(child)

	// The socket outlives the loop group: finish still delivers the
	// terminal events after the child is gone.
	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.connect(gctx, syncCtx, filepath.Join(stateDir, "cursor.json")) })
	g.Go(func() error { return r.pumpLoop(gctx) })
	g.Go(func() error { return r.childLoop(gctx) })
	g.Go(func() error { r.hookLoop(gctx); return nil })

	err = g.Wait()
	close(r.done)
	r.pump.Close()

	exitCode := 0
	r.mu.Lock()
	if r.child != nil {
		c := r.child
		r.mu.Unlock()
		exitCode = c.Stop(3 * time.Second)
	} else {
		r.mu.Unlock()
	}

	r.finish(exitCode)
	if errors.Is(err, errChildExited) {
		if exitCode != 0 {
			return fmt.Errorf("assistant exited with code %d", exitCode)
		}
		return nil
	}
	return err
}

// attach copies a child's events into the shared fan-in channel and
// reports its exit.
func (r *Runtime) attach(c *Child) {
	go func() {
		for ev := range c.Events() {
			select {
			case r.events <- ev:
			case <-r.done:
				return
			}
		}
		select {
		case r.events <- ChildEvent{Type: childExit, ExitCode: c.ExitCode()}:
		case <-r.done:
		}
	}()
}

// connect establishes the session and the encrypted sync channel,
// retrying with backoff while the relay is unreachable. Messages sent in
// the meantime land in the spool. The client runs under syncCtx, which
// ends after the terminal events are published.
func (r *Runtime) connect(ctx, syncCtx context.Context, cursorPath string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var snap *sync.SessionSnapshot
	err := backoff.Retry(func() error {
		s, err := r.api.CreateSession(ctx, r.tag)
		if err != nil {
			if errors.Is(err, types.ErrAuth) {
				return backoff.Permanent(err)
			}
			logging.Debug().Err(err).Msg("session create retry")
			return err
		}
		snap = s
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}

	ref := types.EntityRef{Kind: types.EntitySession, ID: snap.ID}
	client := sync.NewClient(sync.Config{
		ServerURL: r.cfg.ServerURL,
		Token:     r.cfg.Token,
		Kind:      types.ConnectionSession,
		ScopeRef:  &ref,
	})
	engine := sync.NewEngine(client, r.cfg.Cipher, r.api, cursorPath)
	if err := engine.SeedEncrypted(ref, snap.Version, snap.Body); err != nil {
		logging.Warn().Err(err).Msg("session snapshot seed failed")
	}
	engine.Observe(r.onSyncEvent)
	r.registerRPC(engine, ref)
	engine.SubscribeScope(ref)

	r.mu.Lock()
	r.engine = engine
	r.sessionID = snap.ID
	r.sessionRef = ref
	r.mu.Unlock()

	go client.Run(syncCtx)

	if err := r.publishMetadata(ctx); err != nil {
		logging.Warn().Err(err).Msg("initial metadata publish failed")
	}

	if n, err := r.spool.Replay(func(p types.UpdatePayload) error {
		if p.Entity.ID == "" {
			p.Entity = ref
		}
		return engine.PublishRaw(ctx, p)
	}); err != nil {
		logging.Warn().Err(err).Int("sent", n).Msg("spool replay interrupted")
	} else if n > 0 {
		logging.Info().Int("count", n).Msg("offline spool replayed")
	}

	<-ctx.Done()
	return ctx.Err()
}

func (r *Runtime) publishMetadata(ctx context.Context) error {
	r.mu.Lock()
	ref := r.sessionRef
	meta := types.SessionMetadata{
		MachineID:       r.cfg.MachineID,
		Directory:       r.cfg.WorkDir,
		Flavor:          r.cfg.Flavor,
		Lifecycle:       types.SessionRunning,
		PermissionMode:  string(r.policy.Mode),
		Model:           r.model,
		HostPID:         os.Getpid(),
		AllowedTools:    r.cfg.AllowedTools,
		DisallowedTools: r.cfg.DisallowedTools,
	}
	r.mu.Unlock()

	return r.mutateBody(ctx, ref, false, func(body *sessionBody) {
		body.Metadata = &meta
		if body.AgentState == nil {
			body.AgentState = &types.AgentState{}
		}
	})
}

// mutateBody wraps Engine.Mutate with sessionBody decode/encode.
func (r *Runtime) mutateBody(ctx context.Context, ref types.EntityRef, archive bool, patch func(*sessionBody)) error {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return sync.ErrDisconnected
	}

	mutator := func(current json.RawMessage) (json.RawMessage, error) {
		var body sessionBody
		if len(current) > 0 {
			if err := json.Unmarshal(current, &body); err != nil {
				return nil, fmt.Errorf("decode session state: %w", err)
			}
		}
		patch(&body)
		return json.Marshal(body)
	}
	if archive {
		return engine.MutateArchive(ctx, ref, mutator)
	}
	return engine.Mutate(ctx, ref, mutator)
}

// registerRPC installs the remote control surface on the session scope.
func (r *Runtime) registerRPC(engine *sync.Engine, ref types.EntityRef) {
	engine.RegisterRPC(ref, "permission-response", func(ctx context.Context, request json.RawMessage) (any, error) {
		var req struct {
			RequestID string `json:"requestID"`
			Allowed   bool   `json:"allowed"`
		}
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, fmt.Errorf("bad permission response: %w", err)
		}
		resolved := r.registry.Resolve(req.RequestID, req.Allowed)
		return map[string]bool{"resolved": resolved}, nil
	})

	engine.RegisterRPC(ref, "switch-mode", func(ctx context.Context, request json.RawMessage) (any, error) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, fmt.Errorf("bad switch-mode request: %w", err)
		}
		mode := permission.Mode(req.Mode)
		if !mode.Valid() {
			return nil, fmt.Errorf("unknown permission mode %q", req.Mode)
		}
		r.mu.Lock()
		r.policy.Mode = mode
		r.mu.Unlock()

		r.postMessage(ctx, &types.MessageContent{
			Kind:  types.MessageAgentEvent,
			Event: &types.AgentEventContent{Type: types.AgentEventSwitchMode, Mode: req.Mode},
		})
		if err := r.mutateBody(ctx, ref, false, func(body *sessionBody) {
			if body.Metadata != nil {
				body.Metadata.PermissionMode = req.Mode
			}
		}); err != nil && !errors.Is(err, sync.ErrDisconnected) {
			logging.Warn().Err(err).Msg("mode metadata update failed")
		}
		return map[string]string{"mode": req.Mode}, nil
	})

	engine.RegisterRPC(ref, "abort", func(ctx context.Context, request json.RawMessage) (any, error) {
		r.mu.Lock()
		fp := r.fingerprintLocked()
		r.mu.Unlock()
		if err := r.restartChild(ctx, fp); err != nil {
			return nil, err
		}
		return map[string]bool{"aborted": true}, nil
	})
}

func (r *Runtime) currentPolicy() permission.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

func (r *Runtime) fingerprintLocked() Fingerprint {
	return Fingerprint{
		PermissionMode:  r.policy.Mode,
		Model:           r.model,
		AllowedTools:    r.policy.AllowedTools,
		DisallowedTools: r.policy.DisallowedTools,
	}
}

// askPermission surfaces a tool call as a permission-request event and
// blocks for the remote verdict.
func (r *Runtime) askPermission(ctx context.Context, id, tool string, arguments []byte) bool {
	r.postMessage(ctx, &types.MessageContent{
		Kind: types.MessageAgentEvent,
		Event: &types.AgentEventContent{
			Type:      types.AgentEventPermission,
			RequestID: id,
			ToolName:  tool,
			Arguments: arguments,
		},
	})
	allowed := r.registry.Ask(ctx, id, tool, arguments)
	logging.Info().Str("tool", tool).Bool("allowed", allowed).Msg("permission resolved")
	return allowed
}

// onSyncEvent handles decrypted inbound sync traffic: remote user
// messages and remote entity mutations.
func (r *Runtime) onSyncEvent(ev sync.Event) {
	switch ev.Channel {
	case types.ChannelMessage:
		var content types.MessageContent
		if err := json.Unmarshal(ev.Value, &content); err != nil {
			logging.Debug().Err(err).Msg("unreadable session message")
			return
		}
		if content.Kind == types.MessageUserText {
			r.handleRemoteText(content.Text)
		}
	case "":
		// Remote metadata mutation; adopt mode and model changes so the
		// next queued message picks up the new fingerprint.
		var body sessionBody
		if len(ev.Value) == 0 || json.Unmarshal(ev.Value, &body) != nil {
			return
		}
		if body.Metadata == nil {
			return
		}
		r.mu.Lock()
		if mode := permission.Mode(body.Metadata.PermissionMode); mode.Valid() {
			r.policy.Mode = mode
		}
		if body.Metadata.Model != "" {
			r.model = body.Metadata.Model
		}
		r.mu.Unlock()
	}
}

// handleRemoteText routes one remote user message: shell short-circuits
// run locally, everything else queues for the child.
func (r *Runtime) handleRemoteText(text string) {
	if cmd, ok := ParseShellCommand(text); ok {
		go func() {
			out := RunShell(context.Background(), r.cfg.WorkDir, cmd)
			r.postMessage(context.Background(), &types.MessageContent{
				Kind: types.MessageAgentText,
				Text: out,
			})
		}()
		return
	}

	r.mu.Lock()
	fp := r.fingerprintLocked()
	r.mu.Unlock()
	if dropped := r.pump.Push(text, fp); dropped > 0 {
		logging.Info().Int("dropped", dropped).Msg("queued messages discarded by reset command")
	}
}

// pumpLoop feeds batches to the child, restarting it when the batch
// fingerprint no longer matches the running configuration.
func (r *Runtime) pumpLoop(ctx context.Context) error {
	for {
		batch, err := r.pump.Next(ctx)
		if err != nil {
			return err
		}

		if !batch.Isolated {
			r.mu.Lock()
			running := Fingerprint{
				PermissionMode:  r.spawnCfg.Mode,
				Model:           r.spawnCfg.Model,
				AllowedTools:    r.spawnCfg.AllowedTools,
				DisallowedTools: r.spawnCfg.DisallowedTools,
			}
			r.mu.Unlock()
			if running.Key() != batch.Fingerprint.Key() {
				if err := r.restartChild(ctx, batch.Fingerprint); err != nil {
					logging.Error().Err(err).Msg("child restart failed")
					return err
				}
			}
		}

		r.mu.Lock()
		child := r.child
		r.mu.Unlock()
		if child == nil {
			continue
		}
		for _, msg := range batch.Messages {
			if err := child.Send(msg); err != nil {
				logging.Error().Err(err).Msg("child write failed")
				break
			}
		}
		if batch.Isolated {
			// Conversation reset: the internal session ref rotates, the
			// hook reports the new one.
			logging.Info().Str("command", batch.Messages[0]).Msg("conversation reset")
		}
	}
}

// restartChild replaces the running child with one launched under fp,
// resuming the assistant's internal conversation.
func (r *Runtime) restartChild(ctx context.Context, fp Fingerprint) error {
	r.mu.Lock()
	old := r.child
	cfg := r.spawnCfg
	cfg.Model = fp.Model
	cfg.Mode = fp.PermissionMode
	cfg.AllowedTools = fp.AllowedTools
	cfg.DisallowedTools = fp.DisallowedTools
	cfg.ResumeRef = r.resumeRef
	r.restarting = true
	r.mu.Unlock()

	if old != nil {
		old.Stop(3 * time.Second)
	}

	child, err := Spawn(ctx, cfg)
	r.mu.Lock()
	r.restarting = false
	if err != nil {
		r.child = nil
		r.mu.Unlock()
		return err
	}
	r.child = child
	r.spawnCfg = cfg
	r.policy.Mode = fp.PermissionMode
	r.policy.AllowedTools = fp.AllowedTools
	r.policy.DisallowedTools = fp.DisallowedTools
	r.model = fp.Model
	r.mu.Unlock()

	r.attach(child)
	return nil
}

// childLoop turns child output into session messages and state updates.
func (r *Runtime) childLoop(ctx context.Context) error {
	for {
		var ev ChildEvent
		select {
		case ev = <-r.events:
		case <-ctx.Done():
			return ctx.Err()
		}

		switch ev.Type {
		case ChildInit:
			r.mu.Lock()
			r.resumeRef = ev.SessionRef
			if ev.Model != "" {
				r.model = ev.Model
			}
			ref := r.sessionRef
			model := r.model
			r.mu.Unlock()
			if ref.ID != "" {
				r.setAgentState(ctx, true, model)
			}

		case ChildText:
			r.postMessage(ctx, &types.MessageContent{
				Kind: types.MessageAgentText,
				Text: ev.Text,
			})

		case ChildToolUse:
			r.postMessage(ctx, &types.MessageContent{
				Kind: types.MessageToolCall,
				Tool: &types.ToolCallContent{
					CallID:    ev.ToolID,
					Name:      ev.ToolName,
					Arguments: ev.Arguments,
					Status:    types.ToolCallRunning,
				},
			})

		case ChildToolResult:
			status := types.ToolCallCompleted
			if ev.ToolError {
				status = types.ToolCallFailed
			}
			r.postMessage(ctx, &types.MessageContent{
				Kind: types.MessageToolCall,
				Tool: &types.ToolCallContent{
					CallID: ev.ToolID,
					Status: status,
					Result: ev.Text,
				},
			})

		case ChildTurnDone:
			r.mu.Lock()
			if ev.Usage != nil {
				r.usage = *ev.Usage
			}
			usage := r.usage
			model := r.model
			r.mu.Unlock()
			r.postMessage(ctx, &types.MessageContent{
				Kind:  types.MessageAgentEvent,
				Event: &types.AgentEventContent{Type: types.AgentEventReady, Usage: &usage},
			})
			r.setAgentState(ctx, false, model)

		case ChildLimit:
			r.postMessage(ctx, &types.MessageContent{
				Kind:  types.MessageAgentEvent,
				Event: &types.AgentEventContent{Type: types.AgentEventLimitReached},
			})

		case childExit:
			r.mu.Lock()
			restarting := r.restarting
			r.mu.Unlock()
			if restarting {
				continue
			}
			return errChildExited
		}
	}
}

// setAgentState publishes the thinking flag and current model.
func (r *Runtime) setAgentState(ctx context.Context, thinking bool, model string) {
	r.mu.Lock()
	ref := r.sessionRef
	r.mu.Unlock()
	if ref.ID == "" {
		return
	}
	err := r.mutateBody(ctx, ref, false, func(body *sessionBody) {
		if body.AgentState == nil {
			body.AgentState = &types.AgentState{}
		}
		body.AgentState.Thinking = thinking
		body.AgentState.CurrentModel = model
	})
	if err != nil && !errors.Is(err, sync.ErrDisconnected) {
		logging.Debug().Err(err).Msg("agent state publish failed")
	}
}

// SetControlledByUser flips the control flag when the local terminal
// takes over (first keypress) or releases.
func (r *Runtime) SetControlledByUser(ctx context.Context, controlled bool) {
	r.mu.Lock()
	ref := r.sessionRef
	r.mu.Unlock()
	if ref.ID == "" {
		return
	}
	err := r.mutateBody(ctx, ref, false, func(body *sessionBody) {
		if body.AgentState == nil {
			body.AgentState = &types.AgentState{}
		}
		body.AgentState.ControlledByUser = controlled
	})
	if err != nil && !errors.Is(err, sync.ErrDisconnected) {
		logging.Debug().Err(err).Msg("control flag publish failed")
	}
}

// SendLocalText feeds locally typed input through the same pump as
// remote messages.
func (r *Runtime) SendLocalText(text string) {
	r.handleRemoteText(text)
}

// postMessage appends one message to the session log, spooling when the
// session is not yet established.
func (r *Runtime) postMessage(ctx context.Context, content *types.MessageContent) {
	r.mu.Lock()
	engine := r.engine
	sessionID := r.sessionID
	r.mu.Unlock()

	if engine == nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return
		}
		sealed, err := r.cfg.Cipher.Seal(raw)
		if err != nil {
			return
		}
		if err := r.spool.Append(types.UpdatePayload{
			Channel:   types.ChannelMessage,
			LocalID:   "loc_" + ulid.Make().String(),
			Body:      sealed,
			CreatedAt: time.Now().UnixMilli(),
		}); err != nil {
			logging.Error().Err(err).Msg("spool append failed")
		}
		return
	}

	if err := engine.SendMessage(ctx, sessionID, content); err != nil {
		logging.Warn().Err(err).Msg("message publish failed")
	}
}

// hookLoop tracks the assistant's internal session ref as it rotates.
func (r *Runtime) hookLoop(ctx context.Context) {
	for {
		select {
		case ev := <-r.hooks.Events():
			if ev.SessionRef != "" {
				r.mu.Lock()
				r.resumeRef = ev.SessionRef
				r.mu.Unlock()
				logging.Debug().Str("kind", ev.Kind).Msg("assistant session ref updated")
			}
		case <-ctx.Done():
			return
		}
	}
}

// finish publishes the terminal events and archives the session. Runs
// best-effort with a bounded deadline; anything unsent spools.
func (r *Runtime) finish(exitCode int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.mu.Lock()
	ref := r.sessionRef
	usage := r.usage
	r.mu.Unlock()

	// Cumulative usage goes out on a final ready event ahead of the
	// death notice, even when the child died mid-turn.
	r.postMessage(ctx, &types.MessageContent{
		Kind:  types.MessageAgentEvent,
		Event: &types.AgentEventContent{Type: types.AgentEventReady, Usage: &usage},
	})

	reason := "exited"
	if exitCode != 0 {
		reason = fmt.Sprintf("assistant crashed with exit code %d", exitCode)
	}
	r.postMessage(ctx, &types.MessageContent{
		Kind: types.MessageAgentEvent,
		Event: &types.AgentEventContent{
			Type:     types.AgentEventSessionDeath,
			Reason:   reason,
			ExitCode: &exitCode,
		},
	})

	if ref.ID == "" {
		return
	}
	err := r.mutateBody(ctx, ref, true, func(body *sessionBody) {
		if body.Metadata == nil {
			body.Metadata = &types.SessionMetadata{}
		}
		body.Metadata.Lifecycle = types.SessionArchived
		if exitCode != 0 {
			body.Metadata.CrashReason = reason
		}
		if body.AgentState == nil {
			body.AgentState = &types.AgentState{}
		}
		body.AgentState.Thinking = false
	})
	if err != nil && !errors.Is(err, sync.ErrDisconnected) {
		logging.Warn().Err(err).Msg("session archive failed")
	}
}
