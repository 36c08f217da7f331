// Package chat implements the conversation orchestrator: it appends user
// input to the history, calls the model, dispatches requested tool calls and
// folds their results back into the conversation.
//
// A [Conversation] is either awaiting user input or processing. Only one
// processing cycle runs at a time; [Conversation.Submit] while processing
// fails with [ErrBusy] and changes nothing. A cycle always runs to
// completion, independent of the caller's context.
//
// [Manager] owns the single live conversation of the process and replaces it
// on reset.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/personchat/internal/observe"
	"github.com/MrWong99/personchat/pkg/provider/llm"
	"github.com/MrWong99/personchat/pkg/types"
)

var (
	// ErrBusy is returned when a message is submitted while the previous one
	// is still being processed.
	ErrBusy = errors.New("chat: a message is already being processed")

	// ErrEmptyInput is returned for input that is empty after trimming.
	ErrEmptyInput = errors.New("chat: message is empty")

	// ErrSessionEnded is returned by a conversation that was replaced by
	// [Manager.Reset].
	ErrSessionEnded = errors.New("chat: session has ended")
)

// Messages appended by the orchestrator itself.
const (
	MsgModelError = "Sorry, I encountered an error. Please try again."
	MsgNoResponse = "No response from model."
)

// FoldPolicy selects how tool results are written to the history when the
// round limit is reached.
type FoldPolicy string

const (
	// FoldCombined appends one assistant message whose parts are the model
	// text (if any) followed by a JSON array of all tool results.
	FoldCombined FoldPolicy = "combined"

	// FoldPerTool appends the assistant message carrying the tool calls
	// followed by one tool message per result.
	FoldPerTool FoldPolicy = "per_tool"
)

// ToolSource provides the tool definitions sent with every model call.
type ToolSource interface {
	Definitions() []types.ToolDefinition
}

// ToolDispatcher executes a batch of tool calls and returns one result per
// call in input order.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, calls []types.ToolCall) []types.ToolResult
}

// Config holds the behaviour knobs of a conversation.
type Config struct {
	// SystemPrompt is sent as the system instruction of every model call.
	SystemPrompt string

	// WelcomeMessage seeds the history as an assistant message. It is shown
	// to the user but not sent to the model. Empty disables it.
	WelcomeMessage string

	// MaxToolRounds is the number of model calls that may request tools in
	// one cycle. Values below 1 are treated as 1.
	MaxToolRounds int

	// FoldPolicy applies when the last round requested tools. Empty means
	// [FoldCombined].
	FoldPolicy FoldPolicy

	// ModelTimeout bounds a single model call. Zero disables it.
	ModelTimeout time.Duration

	// Temperature and MaxTokens are passed through to the provider.
	Temperature float64
	MaxTokens   int

	// ProviderName labels model-call metrics.
	ProviderName string
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds < 1 {
		c.MaxToolRounds = 1
	}
	if c.FoldPolicy == "" {
		c.FoldPolicy = FoldCombined
	}
	if c.ProviderName == "" {
		c.ProviderName = "llm"
	}
	return c
}

// Snapshot is a point-in-time copy of a conversation's observable state.
type Snapshot struct {
	Messages []types.Message `json:"messages"`
	Busy     bool            `json:"busy"`
}

// Option configures a [Conversation] or [Manager].
type Option func(*options)

type options struct {
	metrics *observe.Metrics
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{metrics: observe.DefaultMetrics()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Conversation is one chat session. All methods are safe for concurrent use.
//
// The zero value is NOT usable; create instances with [NewConversation].
type Conversation struct {
	id         string
	provider   llm.Provider
	tools      ToolSource
	dispatcher ToolDispatcher
	metrics    *observe.Metrics

	mu      sync.Mutex
	cfg     Config
	history []types.Message
	seeded  int // leading display-only messages not sent to the model
	busy    bool
	ended   bool
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewConversation creates a conversation seeded with cfg.WelcomeMessage.
func NewConversation(p llm.Provider, tools ToolSource, d ToolDispatcher, cfg Config, opts ...Option) *Conversation {
	o := buildOptions(opts)
	c := &Conversation{
		id:         uuid.NewString(),
		provider:   p,
		tools:      tools,
		dispatcher: d,
		metrics:    o.metrics,
		cfg:        cfg.withDefaults(),
		subs:       make(map[int]func(Snapshot)),
	}
	if cfg.WelcomeMessage != "" {
		c.history = append(c.history, types.NewMessage(types.RoleAssistant, cfg.WelcomeMessage))
		c.seeded = 1
	}
	return c
}

// ID returns the random identifier of the conversation. Spans and log lines
// of its cycles carry it.
func (c *Conversation) ID() string { return c.id }

// History returns a copy of the conversation history.
func (c *Conversation) History() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked()
}

// Busy reports whether a cycle is in progress.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Snapshot returns the history and busy flag read atomically.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Messages: c.historyLocked(), Busy: c.busy}
}

// Subscribe registers fn to be called with a fresh [Snapshot] after every
// change. fn runs on the goroutine that made the change and must not block.
// The returned function removes the subscription.
func (c *Conversation) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// SetSystemPrompt replaces the system prompt used from the next model call.
func (c *Conversation) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	c.cfg.SystemPrompt = prompt
	c.mu.Unlock()
}

// Submit appends text as a user message and runs a full processing cycle
// before returning. It returns [ErrEmptyInput] for blank text and [ErrBusy]
// while another cycle runs; in both cases nothing changes. Cancelling ctx
// does not abort the cycle.
func (c *Conversation) Submit(ctx context.Context, text string) error {
	if err := c.begin(ctx, text); err != nil {
		return err
	}
	c.process(context.WithoutCancel(ctx))
	return nil
}

// SubmitAsync is like [Conversation.Submit] but runs the cycle in a new
// goroutine and returns once the user message is appended.
func (c *Conversation) SubmitAsync(ctx context.Context, text string) error {
	if err := c.begin(ctx, text); err != nil {
		return err
	}
	go c.process(context.WithoutCancel(ctx))
	return nil
}

// begin validates input, takes the busy flag and appends the user message.
func (c *Conversation) begin(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	switch {
	case c.ended:
		c.mu.Unlock()
		return ErrSessionEnded
	case c.busy:
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	c.history = append(c.history, types.NewMessage(types.RoleUser, text))
	c.mu.Unlock()

	c.metrics.RecordMessage(ctx, types.RoleUser)
	c.notify()
	return nil
}

// process runs one cycle. The busy flag is released on every exit path.
func (c *Conversation) process(ctx context.Context) {
	ctx, span := observe.StartSpan(observe.WithConversation(ctx, c.id), "chat.cycle")
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("chat: cycle panicked", "panic", r)
			c.append(ctx, types.NewMessage(types.RoleAssistant, MsgModelError))
		}
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		c.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds())
		span.End()
		c.notify()
	}()

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	defs := c.tools.Definitions()

	for round := 1; ; round++ {
		resp, err := c.complete(ctx, cfg, defs)
		if err != nil {
			observe.Logger(ctx).Error("chat: model call failed", "round", round, "err", err)
			c.append(ctx, types.NewMessage(types.RoleAssistant, MsgModelError))
			return
		}

		if len(resp.ToolCalls) == 0 {
			text := resp.Content
			if strings.TrimSpace(text) == "" {
				text = MsgNoResponse
			}
			c.append(ctx, types.NewMessage(types.RoleAssistant, text))
			return
		}

		ensureCallIDs(resp.ToolCalls, round)
		results := c.dispatcher.Dispatch(ctx, resp.ToolCalls)

		if round < cfg.MaxToolRounds {
			c.append(ctx, toolExchange(resp, results)...)
			continue
		}

		switch cfg.FoldPolicy {
		case FoldPerTool:
			c.append(ctx, toolExchange(resp, results)...)
		default:
			c.append(ctx, combinedFold(resp, results))
		}
		return
	}
}

// complete performs one model call over the current history.
func (c *Conversation) complete(ctx context.Context, cfg Config, defs []types.ToolDefinition) (*llm.CompletionResponse, error) {
	if cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ModelTimeout)
		defer cancel()
	}

	c.mu.Lock()
	msgs := make([]types.Message, 0, len(c.history)-c.seeded)
	for _, m := range c.history[c.seeded:] {
		msgs = append(msgs, m.Clone())
	}
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: cfg.SystemPrompt,
		Messages:     msgs,
		Tools:        defs,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	if err == nil && resp == nil {
		err = fmt.Errorf("chat: provider returned no response")
	}

	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, cfg.ProviderName, "llm")
	}
	c.metrics.RecordProviderRequest(ctx, cfg.ProviderName, "llm", status)
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", cfg.ProviderName)))

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// append adds msgs to the history and notifies subscribers once.
func (c *Conversation) append(ctx context.Context, msgs ...types.Message) {
	c.mu.Lock()
	c.history = append(c.history, msgs...)
	c.mu.Unlock()
	for _, m := range msgs {
		c.metrics.RecordMessage(ctx, m.Role)
	}
	c.notify()
}

// notify delivers a snapshot to every subscriber outside the lock.
func (c *Conversation) notify() {
	c.mu.Lock()
	if len(c.subs) == 0 {
		c.mu.Unlock()
		return
	}
	snap := Snapshot{Messages: c.historyLocked(), Busy: c.busy}
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// end marks the conversation as replaced. It fails with [ErrBusy] while a
// cycle runs.
func (c *Conversation) end() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.ended = true
	clear(c.subs)
	return nil
}

// historyLocked copies the history. Callers hold c.mu.
func (c *Conversation) historyLocked() []types.Message {
	out := make([]types.Message, len(c.history))
	for i, m := range c.history {
		out[i] = m.Clone()
	}
	return out
}

// ensureCallIDs gives every call without an ID a synthetic one so results
// can be correlated. Some providers omit IDs.
func ensureCallIDs(calls []types.ToolCall, round int) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d_%d", round, i)
		}
	}
}

// toolExchange returns the assistant message carrying the tool calls
// followed by one tool message per result.
func toolExchange(resp *llm.CompletionResponse, results []types.ToolResult) []types.Message {
	asst := types.Message{Role: types.RoleAssistant, ToolCalls: resp.ToolCalls}
	if resp.Content != "" {
		asst.Parts = []types.Part{{Text: resp.Content}}
	}
	msgs := make([]types.Message, 0, len(results)+1)
	msgs = append(msgs, asst)
	for _, r := range results {
		msgs = append(msgs, types.Message{
			Role:       types.RoleTool,
			Parts:      []types.Part{{Text: r.Content}},
			ToolCallID: r.ToolCallID,
		})
	}
	return msgs
}

// combinedFold builds the single assistant message of [FoldCombined]. The
// last part is a JSON array of {"tool_call_id", "name", "result"} objects;
// each result is spliced in byte for byte.
func combinedFold(resp *llm.CompletionResponse, results []types.ToolResult) types.Message {
	var b strings.Builder
	b.WriteByte('[')
	for i, r := range results {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"tool_call_id":`)
		b.WriteString(quoteJSON(r.ToolCallID))
		b.WriteString(`,"name":`)
		b.WriteString(quoteJSON(r.Name))
		b.WriteString(`,"result":`)
		if content := strings.TrimSpace(r.Content); content != "" && json.Valid([]byte(content)) {
			b.WriteString(content)
		} else {
			b.WriteString(quoteJSON(r.Content))
		}
		b.WriteByte('}')
	}
	b.WriteByte(']')

	msg := types.Message{Role: types.RoleAssistant}
	if resp.Content != "" {
		msg.Parts = append(msg.Parts, types.Part{Text: resp.Content})
	}
	msg.Parts = append(msg.Parts, types.Part{Text: b.String()})
	return msg
}

// quoteJSON encodes s as a JSON string without HTML escaping.
func quoteJSON(s string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}
