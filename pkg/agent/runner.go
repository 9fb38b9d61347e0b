package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/session"
	"github.com/tiancaiamao/acp/pkg/tools"
	"github.com/tiancaiamao/acp/pkg/traceevent"
)

// ErrTurnFailed is returned when the engine fails a turn.
var ErrTurnFailed = errors.New("turn failed")

// Checkpointer persists a session.
type Checkpointer interface {
	Checkpoint(sess *session.Session) error
}

// RunnerConfig contains the collaborators of a Runner.
type RunnerConfig struct {
	Engine  Engine
	Bridge  *tools.Bridge
	Emitter *Emitter
	Store   Checkpointer
	Metrics *Metrics             // optional
	Tracer  *traceevent.Recorder // optional
	Logger  *slog.Logger
}

// Runner drives prompt turns: it feeds the engine, streams its events to
// the client and routes its tool calls through the bridge.
type Runner struct {
	engine  Engine
	bridge  *tools.Bridge
	emitter *Emitter
	store   Checkpointer
	metrics *Metrics
	tracer  *traceevent.Recorder
	logger  *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		engine:  cfg.Engine,
		bridge:  cfg.Bridge,
		emitter: cfg.Emitter,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "runner"),
	}
}

// PromptInput is one session/prompt request.
type PromptInput struct {
	Session *session.Session
	Prompt  []protocol.ContentBlock
	Caps    protocol.Capabilities
	Client  tools.Client
}

// Prompt runs one turn to its end. Every update of the turn has been
// handed to the transport and the session checkpointed when it returns.
// Busy and terminated sessions fail with the session errors; an engine
// failure returns ErrTurnFailed.
func (r *Runner) Prompt(ctx context.Context, in PromptInput) (protocol.StopReason, error) {
	sess := in.Session
	turn, turnCtx, err := sess.BeginTurn(traceevent.WithRecorder(ctx, r.tracer), in.Prompt)
	if err != nil {
		return "", err
	}
	logger := r.logger.With("session", sess.ID(), "turn", turn.ID)
	logger.Info("turn started", "blocks", len(in.Prompt))
	start := time.Now()
	span := traceevent.StartSpan(turnCtx, "turn", traceevent.CategoryTurn, sess.ID(), traceevent.Field{Key: "turn", Value: turn.ID})

	reason, status, runErr := r.run(turnCtx, in, logger)

	sess.EndTurn(status, reason)
	span.AddField("status", string(status))
	span.AddField("stopReason", string(reason))
	span.End()
	r.metrics.RecordTurn(status)
	logger.Info("turn ended", "status", status, "stopReason", reason, "duration", time.Since(start))
	if err := r.emitter.Flush(ctx, sess.ID()); err != nil {
		logger.Warn("flush updates", "err", err)
	}
	if err := r.store.Checkpoint(sess); err != nil {
		logger.Error("checkpoint", "err", err)
	}
	if status == session.TurnFailed {
		logger.Error("turn failed", "err", runErr)
		return "", fmt.Errorf("%w: %v", ErrTurnFailed, runErr)
	}
	return reason, nil
}

func (r *Runner) run(ctx context.Context, in PromptInput, logger *slog.Logger) (protocol.StopReason, session.TurnStatus, error) {
	sess := in.Session
	cancelled := func() (protocol.StopReason, session.TurnStatus, error) {
		logger.Info("turn cancelled")
		traceevent.Instant(ctx, "cancelled", sess.ID())
		return protocol.StopCancelled, session.TurnCancelled, nil
	}
	failed := func(err error) (protocol.StopReason, session.TurnStatus, error) {
		if ctx.Err() != nil {
			return cancelled()
		}
		return "", session.TurnFailed, err
	}

	turns := sess.Turns()
	run, err := r.engine.Start(ctx, Request{
		SessionID:  sess.ID(),
		WorkingDir: sess.CWD(),
		Prompt:     in.Prompt,
		History:    turns[:len(turns)-1],
		Tools:      r.bridge.Specs(ctx, sess.ID()),
	})
	if err != nil {
		return failed(fmt.Errorf("start engine: %w", err))
	}
	defer func() {
		if err := run.Close(); err != nil {
			logger.Debug("close engine run", "err", err)
		}
	}()

	publish := func(u protocol.SessionUpdate) {
		sess.Record(u)
		r.emitter.Emit(sess.ID(), u)
	}
	env := tools.Env{Session: sess, Caps: in.Caps, Client: in.Client, Emit: publish}

	for {
		if ctx.Err() != nil {
			return cancelled()
		}
		ev, err := run.Next(ctx)
		if errors.Is(err, io.EOF) {
			return protocol.StopEndTurn, session.TurnCompleted, nil
		}
		if err != nil {
			return failed(err)
		}

		switch ev.Type {
		case EventText:
			publish(protocol.AgentMessageChunk(ev.Text))
		case EventThought:
			publish(protocol.AgentThoughtChunk(ev.Text))
		case EventPlan:
			publish(protocol.Plan(ev.Plan))
		case EventToolCall:
			if ev.ToolCall == nil {
				return failed(errors.New("tool_call event without a call"))
			}
			callStart := time.Now()
			obs := r.bridge.Run(ctx, env, *ev.ToolCall)
			r.metrics.RecordTool(obs, time.Since(callStart))
			if ctx.Err() != nil {
				return cancelled()
			}
			if err := run.Observe(ctx, obs); err != nil {
				return failed(fmt.Errorf("observe: %w", err))
			}
		case EventStop:
			switch ev.StopReason {
			case "":
				return protocol.StopEndTurn, session.TurnCompleted, nil
			case protocol.StopCancelled:
				return cancelled()
			}
			return ev.StopReason, session.TurnCompleted, nil
		default:
			logger.Warn("ignoring engine event", "type", ev.Type)
		}
	}
}
