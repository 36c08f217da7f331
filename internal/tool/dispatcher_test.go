package tool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/personchat/internal/observe"
	"github.com/MrWong99/personchat/pkg/types"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestDispatcher(t *testing.T, tools map[string]Handler, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for name, h := range tools {
		if err := reg.Register(Tool{Definition: types.ToolDefinition{Name: name}, Handler: h}); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}
	return NewDispatcher(reg, append([]DispatcherOption{WithMetrics(testMetrics(t))}, opts...)...)
}

func decodeError(t *testing.T, content string) errorPayload {
	t.Helper()
	var p errorPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		t.Fatalf("result %q is not an error object: %v", content, err)
	}
	return p
}

func TestDispatch_Empty(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, nil)
	if got := d.Dispatch(context.Background(), nil); len(got) != 0 {
		t.Errorf("Dispatch(nil) = %v, want empty", got)
	}
}

func TestDispatch_CorrelatesByIDRegardlessOfCompletionOrder(t *testing.T) {
	t.Parallel()

	delays := map[string]time.Duration{"slow": 60 * time.Millisecond, "mid": 30 * time.Millisecond, "fast": 0}
	tools := make(map[string]Handler)
	for name, delay := range delays {
		tools[name] = func(ctx context.Context, _ string) (string, error) {
			time.Sleep(delay)
			return `"` + name + `"`, nil
		}
	}
	d := newTestDispatcher(t, tools)

	calls := []types.ToolCall{
		{ID: "c1", Name: "slow", Arguments: "{}"},
		{ID: "c2", Name: "mid", Arguments: "{}"},
		{ID: "c3", Name: "fast", Arguments: "{}"},
	}
	results := d.Dispatch(context.Background(), calls)

	if len(results) != len(calls) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(calls))
	}
	for i, call := range calls {
		r := results[i]
		if r.ToolCallID != call.ID || r.Name != call.Name {
			t.Errorf("results[%d] = %+v, want id %q name %q", i, r, call.ID, call.Name)
		}
		if r.Content != `"`+call.Name+`"` {
			t.Errorf("results[%d].Content = %s", i, r.Content)
		}
	}
}

func TestDispatch_RunsConcurrently(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	h := func(ctx context.Context, _ string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		inFlight.Add(-1)
		return "{}", nil
	}
	d := newTestDispatcher(t, map[string]Handler{"a": h})

	calls := make([]types.ToolCall, 4)
	for i := range calls {
		calls[i] = types.ToolCall{ID: string(rune('a' + i)), Name: "a"}
	}
	d.Dispatch(context.Background(), calls)

	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak.Load())
	}
}

func TestDispatch_UnknownToolDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, map[string]Handler{"get_person": okHandler(`{"id":1}`)})
	results := d.Dispatch(context.Background(), []types.ToolCall{
		{ID: "1", Name: "foo"},
		{ID: "2", Name: "get_person"},
	})

	if !results[0].IsError {
		t.Error("unknown tool result should be an error")
	}
	p := decodeError(t, results[0].Content)
	if !strings.Contains(p.Error, "foo") {
		t.Errorf("error = %q, want it to name the tool", p.Error)
	}
	if p.Hint != "" {
		t.Errorf("unexpected hint %q for unrelated name", p.Hint)
	}
	if results[1].IsError || results[1].Content != `{"id":1}` {
		t.Errorf("sibling result = %+v", results[1])
	}
}

func TestDispatch_UnknownToolHint(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, map[string]Handler{"get_person_list": okHandler("[]")})
	results := d.Dispatch(context.Background(), []types.ToolCall{{ID: "1", Name: "get_persons_list"}})
	p := decodeError(t, results[0].Content)
	if p.Hint != "did you mean get_person_list?" {
		t.Errorf("hint = %q", p.Hint)
	}
}

func TestDispatch_HandlerFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler Handler
		want    string
	}{
		{
			name:    "error",
			handler: func(context.Context, string) (string, error) { return "", errors.New("connection refused") },
			want:    "connection refused",
		},
		{
			name:    "panic",
			handler: func(context.Context, string) (string, error) { panic("boom") },
			want:    "panicked: boom",
		},
		{
			name: "timeout",
			handler: func(ctx context.Context, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			want: "deadline exceeded",
		},
		{
			name: "ignores context",
			handler: func(context.Context, string) (string, error) {
				time.Sleep(time.Second)
				return "{}", nil
			},
			want: "deadline exceeded",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := newTestDispatcher(t, map[string]Handler{
				"bad": tc.handler,
				"ok":  okHandler("[]"),
			}, WithCallTimeout(50*time.Millisecond))

			results := d.Dispatch(context.Background(), []types.ToolCall{
				{ID: "1", Name: "bad"},
				{ID: "2", Name: "ok"},
			})
			if !results[0].IsError {
				t.Fatalf("expected error result, got %+v", results[0])
			}
			if p := decodeError(t, results[0].Content); !strings.Contains(p.Error, tc.want) {
				t.Errorf("error = %q, want substring %q", p.Error, tc.want)
			}
			if results[1].IsError || results[1].Content != "[]" {
				t.Errorf("sibling result = %+v", results[1])
			}
		})
	}
}

func TestDispatch_PassesArguments(t *testing.T) {
	t.Parallel()

	var got []string
	h := func(_ context.Context, args string) (string, error) {
		got = append(got, args)
		return "{}", nil
	}
	d := newTestDispatcher(t, map[string]Handler{"a": h})
	d.Dispatch(context.Background(), []types.ToolCall{{ID: "1", Name: "a"}})
	d.Dispatch(context.Background(), []types.ToolCall{{ID: "2", Name: "a", Arguments: `{"x":1}`}})

	if len(got) != 2 || got[0] != "{}" || got[1] != `{"x":1}` {
		t.Errorf("handler args = %v", got)
	}
}

func TestDispatch_RecordsStats(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_ = reg.Register(Tool{Definition: types.ToolDefinition{Name: "a"}, Handler: okHandler("{}")})
	d := NewDispatcher(reg, WithMetrics(testMetrics(t)))
	d.Dispatch(context.Background(), []types.ToolCall{{ID: "1", Name: "a"}, {ID: "2", Name: "a"}})

	if s := reg.Stats()[0]; s.Calls != 2 {
		t.Errorf("Calls = %d, want 2", s.Calls)
	}
}

func TestAsJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{`{"id":1}`, `{"id":1}`},
		{`[1,2]`, `[1,2]`},
		{`null`, `null`},
		{`plain text`, `"plain text"`},
		{``, `""`},
		{`Ada & <Bob>`, `"Ada & <Bob>"`},
		{"[\n  {\"name\": \"Ada & <Bob>\"}\n]", "[\n  {\"name\": \"Ada & <Bob>\"}\n]"},
	}
	for _, tc := range tests {
		if got := asJSON(tc.in); got != tc.want {
			t.Errorf("asJSON(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
