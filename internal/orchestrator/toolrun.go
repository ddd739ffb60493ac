package orchestrator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/kiseki/internal/metrics"
	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/service/trace"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/toolcalls"
	"github.com/ashita-ai/kiseki/internal/tools"
)

// ErrorPrefix starts the content of tool messages that report a failure.
const ErrorPrefix = "Error: "

type pendingCall struct {
	req  model.ToolCallRequest
	call tools.Call
	err  error
}

// runTools answers every tool call of msgs[ai] that has no result yet and
// returns the conversation with the new tool messages appended.
func (o *Orchestrator) runTools(ctx context.Context, r *run, in model.RunInput, msgs []model.Message, ai int) ([]model.Message, error) {
	t := r.trace
	if err := o.syncRecords(ctx, t, msgs[ai].ToolCalls, answers(msgs, ai)); err != nil {
		return msgs, err
	}

	todo := unanswered(msgs, ai)
	pending := make([]pendingCall, 0, len(todo))
	var gated []string
	for _, req := range todo {
		call, err := o.deps.Dispatcher.Prepare(req)
		pending = append(pending, pendingCall{req: req, call: call, err: err})
		if err == nil && (in.RequireApproval || call.Tool.RequiresApproval) {
			gated = append(gated, req.ID)
		}
	}

	var decision model.ApprovalDecision
	if len(gated) > 0 {
		d, err := o.awaitApproval(ctx, r, gated)
		if err != nil {
			return msgs, err
		}
		decision = d
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return msgs, context.Cause(ctx)
		}
		var (
			out  string
			fail string
		)
		switch {
		case p.err != nil:
			fail = rejection(p.err)
		case slices.Contains(gated, p.req.ID) && !decision.Approved:
			metrics.ToolVerdicts.WithLabelValues(p.req.Name, metrics.VerdictDenied).Inc()
			fail = DeniedReason
			if decision.Reason != "" {
				fail += ": " + decision.Reason
			}
		default:
			var err error
			out, err = o.execTool(ctx, t, p.call)
			if ctx.Err() != nil {
				return msgs, context.Cause(ctx)
			}
			if err != nil {
				fail = err.Error()
			}
		}

		reply, err := o.answer(ctx, t, msgs, p.req, out, fail)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, reply)
	}
	return msgs, nil
}

// execTool runs an approved call and records its tool_call step.
func (o *Orchestrator) execTool(ctx context.Context, t model.WorkflowTrace, call tools.Call) (string, error) {
	step, err := o.deps.Recorder.BeginStep(ctx, t.ID, trace.StepInput{
		Type:       model.StepTypeToolCall,
		ToolName:   call.Tool.Name,
		ToolCallID: call.ID,
		Detail:     map[string]any{"args": call.Args},
	})
	if err != nil {
		return "", persistence(err)
	}
	if _, err := o.deps.Tracker.MarkRunning(ctx, t.MessageID, call.ID); err != nil {
		o.logger.Warn("orchestrator: mark tool call running", "run_id", t.ID, "tool_call_id", call.ID, "error", err)
	}

	out, execErr := o.deps.Dispatcher.Execute(ctx, call)
	status, msg := model.StepStatusCompleted, ""
	if execErr != nil {
		status, msg = model.StepStatusFailed, execErr.Error()
	}
	if _, err := o.deps.Recorder.EndStep(context.WithoutCancel(ctx), step, status, msg, map[string]any{"output_chars": len(out)}); err != nil {
		o.logger.Warn("orchestrator: end tool step", "run_id", t.ID, "error", err)
	}
	return out, execErr
}

// answer persists the tool message for req, then its record and
// tool_result step. The message comes first: it is what resume reads.
func (o *Orchestrator) answer(ctx context.Context, t model.WorkflowTrace, msgs []model.Message, req model.ToolCallRequest, out, fail string) (model.Message, error) {
	content := out
	if fail != "" {
		content = ErrorPrefix + fail
		if out != "" {
			content += "\n" + out
		}
	}
	reply := model.Message{
		RunID:      t.ID,
		Seq:        msgs[len(msgs)-1].Seq + 1,
		Role:       model.RoleTool,
		Name:       req.Name,
		ToolCallID: req.ID,
		Content:    content,
		CreatedAt:  o.now(),
	}
	if err := o.deps.Store.AppendMessages(ctx, t.ID, []model.Message{reply}); err != nil {
		return model.Message{}, persistence(err)
	}

	status, stepStatus := model.ToolCallCompleted, model.StepStatusCompleted
	if fail != "" {
		status, stepStatus = model.ToolCallFailed, model.StepStatusFailed
	}
	if _, err := o.deps.Tracker.UpdateResult(ctx, t.MessageID, req.ID, status, out, fail); err != nil {
		return model.Message{}, persistence(err)
	}
	if _, err := o.deps.Recorder.RecordStep(ctx, t.ID, trace.StepInput{
		Type:       model.StepTypeToolResult,
		ToolName:   req.Name,
		ToolCallID: req.ID,
		Detail:     map[string]any{"status": status, "output_chars": len(out)},
	}, stepStatus, fail); err != nil {
		o.logger.Warn("orchestrator: record tool result step", "run_id", t.ID, "error", err)
	}
	return reply, nil
}

// syncRecords makes the tool call records of an assistant message agree
// with the conversation: missing records are created PENDING and records
// of already answered calls are finished from their tool message.
func (o *Orchestrator) syncRecords(ctx context.Context, t model.WorkflowTrace, calls []model.ToolCallRequest, answered map[string]model.Message) error {
	existing, err := o.deps.Tracker.ByMessage(ctx, t.MessageID)
	if err != nil {
		return persistence(err)
	}
	byID := make(map[string]model.ToolCall, len(existing))
	for _, tc := range existing {
		byID[tc.ToolCallID] = tc
	}

	for _, req := range calls {
		rec, ok := byID[req.ID]
		if !ok {
			rec, err = o.deps.Tracker.Create(ctx, toolcalls.CreateInput{
				MessageID:  t.MessageID,
				TaskID:     t.TaskID,
				TraceID:    t.ID,
				ToolName:   req.Name,
				Args:       req.Arguments,
				ToolCallID: req.ID,
			})
			if errors.Is(err, storage.ErrConflict) {
				// The model repeated an id within this message.
				rec, err = o.deps.Tracker.ByToolCallID(ctx, t.MessageID, req.ID)
			}
			if err != nil {
				return persistence(err)
			}
		}
		msg, done := answered[req.ID]
		if !done || rec.Status.Terminal() {
			continue
		}
		status, result, fail := model.ToolCallCompleted, msg.Content, ""
		if rest, failed := strings.CutPrefix(msg.Content, ErrorPrefix); failed {
			status, result, fail = model.ToolCallFailed, "", rest
		}
		if _, err := o.deps.Tracker.UpdateResult(ctx, t.MessageID, req.ID, status, result, fail); err != nil {
			return persistence(err)
		}
		o.logger.Info("orchestrator: reconciled tool call from conversation", "run_id", t.ID, "tool_call_id", req.ID, "status", status)
	}
	return nil
}

// awaitApproval publishes the pending ids and blocks until a matching
// decision is stored or ctx ends.
func (o *Orchestrator) awaitApproval(ctx context.Context, r *run, ids []string) (model.ApprovalDecision, error) {
	id := r.trace.ID
	if err := o.deps.Recorder.SetPendingApproval(ctx, id, ids); err != nil {
		return model.ApprovalDecision{}, persistence(err)
	}
	o.logger.Info("orchestrator: awaiting approval", "run_id", id, "tool_calls", ids)

	// A nil channel never fires: without a recheck interval the run only
	// wakes on an approval notification or cancellation.
	var recheck <-chan time.Time
	if o.cfg.ApprovalRecheck > 0 {
		ticker := time.NewTicker(o.cfg.ApprovalRecheck)
		defer ticker.Stop()
		recheck = ticker.C
	}
	for {
		d, err := o.deps.Store.GetApproval(ctx, id)
		switch {
		case err == nil && sameIDs(d.ToolCallIDs, ids):
			if err := o.deps.Recorder.SetPendingApproval(ctx, id, nil); err != nil {
				return model.ApprovalDecision{}, persistence(err)
			}
			o.logger.Info("orchestrator: approval received", "run_id", id, "approved", d.Approved)
			return d, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			if ctx.Err() != nil {
				return model.ApprovalDecision{}, context.Cause(ctx)
			}
			return model.ApprovalDecision{}, persistence(err)
		}
		select {
		case <-r.wake:
		case <-recheck:
		case <-ctx.Done():
			return model.ApprovalDecision{}, context.Cause(ctx)
		}
	}
}

// rejection renders why a call was refused before it ran.
func rejection(err error) string {
	var blocked *tools.BlockedError
	if errors.As(err, &blocked) {
		return blocked.Reason
	}
	return err.Error()
}
