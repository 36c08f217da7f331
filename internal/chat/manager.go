package chat

import (
	"sync"

	"github.com/MrWong99/personchat/pkg/provider/llm"
)

// Manager owns the single live [Conversation] of the process. Subscribers
// registered on the Manager follow the conversation across resets.
//
// The zero value is NOT usable; create instances with [NewManager].
type Manager struct {
	provider   llm.Provider
	tools      ToolSource
	dispatcher ToolDispatcher
	opts       []Option

	mu      sync.Mutex
	cfg     Config
	conv    *Conversation
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewManager creates a manager and its first conversation.
func NewManager(p llm.Provider, tools ToolSource, d ToolDispatcher, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		provider:   p,
		tools:      tools,
		dispatcher: d,
		opts:       opts,
		cfg:        cfg,
		subs:       make(map[int]func(Snapshot)),
	}
	m.conv = m.newConversation(cfg)
	return m
}

// Current returns the live conversation.
func (m *Manager) Current() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv
}

// Reset ends the live conversation and starts a new one seeded with the
// welcome message. It fails with [ErrBusy] while a cycle runs.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if err := m.conv.end(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.conv = m.newConversation(m.cfg)
	conv := m.conv
	m.mu.Unlock()

	m.broadcast(conv.Snapshot())
	return nil
}

// Subscribe registers fn for snapshots of whichever conversation is live.
// The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SetSystemPrompt updates the live conversation and every later one.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	m.cfg.SystemPrompt = prompt
	conv := m.conv
	m.mu.Unlock()
	conv.SetSystemPrompt(prompt)
}

// SetWelcomeMessage changes the welcome message of conversations started by
// later resets.
func (m *Manager) SetWelcomeMessage(msg string) {
	m.mu.Lock()
	m.cfg.WelcomeMessage = msg
	m.mu.Unlock()
}

// newConversation builds a conversation wired to the manager's fan-out.
func (m *Manager) newConversation(cfg Config) *Conversation {
	c := NewConversation(m.provider, m.tools, m.dispatcher, cfg, m.opts...)
	c.Subscribe(m.broadcast)
	return c
}

func (m *Manager) broadcast(s Snapshot) {
	m.mu.Lock()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}
