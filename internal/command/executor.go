// Package command executes server-issued commands at most once. A
// persisted watermark of the newest executed command survives restarts,
// so redelivery of the same command after a reboot is a no-op.
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digiplayer/agent/internal/audit"
	"github.com/digiplayer/agent/internal/logging"
	"github.com/digiplayer/agent/internal/store"
	"github.com/digiplayer/agent/pkg/api"
)

var log = logging.L("command")

// ExecutionError means a command's side effect failed. Reported in the
// next heartbeat, never fatal.
type ExecutionError struct {
	Kind  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Kind, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Handler executes one command kind.
type Handler func(ctx context.Context, cmd api.Command) error

// Executor dispatches commands to registered handlers behind the
// idempotency watermark.
type Executor struct {
	st       *store.Store
	auditLog *audit.Logger
	handlers map[string]Handler

	mu      sync.Mutex
	lastErr string
}

func NewExecutor(st *store.Store, auditLog *audit.Logger) *Executor {
	return &Executor{
		st:       st,
		auditLog: auditLog,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a command kind. Later registrations for
// the same kind replace earlier ones.
func (e *Executor) Register(kind string, h Handler) {
	e.handlers[kind] = h
}

// Execute runs one delivered command. Commands at or below the watermark
// are skipped. The watermark is persisted before the handler runs, so a
// side effect that kills the process (reboot) cannot re-execute after
// restart. Handler failures are recorded for the next heartbeat and do
// not retry.
func (e *Executor) Execute(ctx context.Context, cmd *api.Command) error {
	if cmd == nil {
		return nil
	}

	cmdLog := logging.WithCommand(log, cmd.ID, cmd.Kind)

	wm, err := e.st.CommandWatermark()
	if err != nil {
		return fmt.Errorf("read command watermark: %w", err)
	}
	if !wm.Supersedes(cmd.ID, cmd.IssuedAt) {
		cmdLog.Debug("command at or below watermark, skipping")
		e.auditLog.Log(audit.EventCommandSkipped, cmd.ID, map[string]any{"kind": cmd.Kind})
		return nil
	}

	e.auditLog.Log(audit.EventCommandReceived, cmd.ID, map[string]any{"kind": cmd.Kind})

	handler, ok := e.handlers[cmd.Kind]

	// Advancing the watermark retires the command even when the kind is
	// unknown or the handler fails; delivery-until-superseded would
	// otherwise replay it every cycle.
	if err := e.st.SetCommandWatermark(store.Watermark{
		CommandID:  cmd.ID,
		IssuedAt:   cmd.IssuedAt,
		ExecutedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("persist command watermark: %w", err)
	}

	if !ok {
		cmdLog.Warn("unknown command kind rejected")
		e.setLastError(fmt.Sprintf("unknown command kind %q", cmd.Kind))
		return nil
	}

	start := time.Now()
	if err := handler(ctx, *cmd); err != nil {
		execErr := &ExecutionError{Kind: cmd.Kind, Cause: err}
		cmdLog.Error("command failed", logging.KeyError, execErr, logging.KeyDurationMs, time.Since(start).Milliseconds())
		e.auditLog.Log(audit.EventCommandExecuted, cmd.ID, map[string]any{"kind": cmd.Kind, "ok": false, "error": err.Error()})
		e.setLastError(execErr.Error())
		return execErr
	}

	cmdLog.Info("command executed", logging.KeyDurationMs, time.Since(start).Milliseconds())
	e.auditLog.Log(audit.EventCommandExecuted, cmd.ID, map[string]any{"kind": cmd.Kind, "ok": true})
	return nil
}

// ReportFailure records a command failure that happened after Execute
// returned, such as an asynchronous upload. It surfaces in the next
// heartbeat like a synchronous handler failure.
func (e *Executor) ReportFailure(kind string, err error) {
	e.setLastError((&ExecutionError{Kind: kind, Cause: err}).Error())
}

// TakeLastError returns and clears the most recent command failure, for
// the best-effort status field in the next heartbeat.
func (e *Executor) TakeLastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg := e.lastErr
	e.lastErr = ""
	return msg
}

func (e *Executor) setLastError(msg string) {
	e.mu.Lock()
	e.lastErr = msg
	e.mu.Unlock()
}
