package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/personchat/internal/observe"
	"github.com/MrWong99/personchat/pkg/types"
)

// DefaultCallTimeout bounds a single tool call when no other timeout is set.
const DefaultCallTimeout = 10 * time.Second

// errorPayload is the JSON body of a failed tool result.
type errorPayload struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// Dispatcher executes a batch of model-requested tool calls concurrently and
// returns one result per call.
//
// The zero value is NOT usable; create instances with [NewDispatcher].
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	metrics  *observe.Metrics
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithCallTimeout bounds each individual call. Zero or negative disables the
// per-call timeout.
func WithCallTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.timeout = d
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(dp *Dispatcher) {
		if m != nil {
			dp.metrics = m
		}
	}
}

// NewDispatcher creates a dispatcher that resolves tool names in reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  DefaultCallTimeout,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs every call in its own goroutine and waits for all of them.
// The returned slice has the same length and order as calls, and each result
// carries the ID of the call that produced it.
//
// Dispatch never fails as a whole: unknown tools, handler errors, timeouts
// and panics each become an error result for that call only.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	// A plain Group: no derived context, so one failure never cancels siblings.
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// outcome carries a handler's return values across a goroutine boundary.
type outcome struct {
	out string
	err error
}

// execute runs one call and converts its outcome into a result.
func (d *Dispatcher) execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	ctx, span := observe.StartSpan(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(observe.Attr("tool", call.Name))

	t, ok := d.registry.Lookup(call.Name)
	if !ok {
		payload := errorPayload{Error: "Unknown tool: " + call.Name}
		if s := d.registry.suggest(call.Name); s != "" {
			payload.Hint = fmt.Sprintf("did you mean %s?", s)
		}
		slog.Warn("tool: model requested unknown tool", "tool", call.Name, "call_id", call.ID)
		d.metrics.RecordToolCall(ctx, call.Name, "unknown", 0)
		return errorResult(call, payload)
	}

	start := time.Now()
	o := d.invoke(ctx, t, call)
	elapsed := time.Since(start)
	d.registry.record(call.Name, elapsed, o.err != nil)

	log := observe.Logger(ctx)
	if o.err != nil {
		log.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "duration", elapsed, "err", o.err)
		d.metrics.RecordToolCall(ctx, call.Name, "error", elapsed.Seconds())
		return errorResult(call, errorPayload{Error: o.err.Error()})
	}
	log.Debug("tool call completed", "tool", call.Name, "call_id", call.ID, "duration", elapsed)
	d.metrics.RecordToolCall(ctx, call.Name, "ok", elapsed.Seconds())

	return types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    asJSON(o.out),
	}
}

// invoke runs the handler under the call timeout and turns a panic into an
// error. A handler that ignores its context is abandoned once the timeout
// fires.
func (d *Dispatcher) invoke(ctx context.Context, t Tool, call types.ToolCall) outcome {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	args := call.Arguments
	if args == "" {
		args = "{}"
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %q panicked: %v", call.Name, r)}
			}
		}()
		out, err := t.Handler(ctx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		return outcome{err: fmt.Errorf("tool %q: %w", call.Name, ctx.Err())}
	}
}

// errorResult builds an error result for call.
func errorResult(call types.ToolCall, payload errorPayload) types.ToolResult {
	data, _ := json.Marshal(payload)
	return types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    string(data),
		IsError:    true,
	}
}

// asJSON returns out unchanged when it is valid JSON and encodes it as a
// JSON string otherwise. HTML characters are not escaped.
func asJSON(out string) string {
	if out != "" && json.Valid([]byte(out)) {
		return out
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(out)
	return strings.TrimSuffix(b.String(), "\n")
}
