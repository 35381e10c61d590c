package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/llmshield/llmshield/internal/protocol"
)

type conversationTurn struct {
	role    string
	content string
	added   time.Time
}

type conversation struct {
	turns    []conversationTurn
	lastSeen time.Time
}

// ConversationTracker buffers conversation turns per client so the
// detector can evaluate the accumulated history, catching injections
// split across messages.
type ConversationTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxTurns int
	convs    map[string]*conversation
}

// NewConversationTracker creates a tracker. Conversations idle longer than
// ttl are evicted.
func NewConversationTracker(ttl time.Duration, maxTurns int) *ConversationTracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &ConversationTracker{
		ttl:      ttl,
		maxTurns: maxTurns,
		convs:    make(map[string]*conversation),
	}
}

// ConversationID derives the conversation key: the X-Conversation-ID
// header when the client sends one, otherwise a fingerprint of the client
// address and the first user message.
func ConversationID(r *http.Request, req *protocol.StandardRequest) string {
	if id := r.Header.Get("X-Conversation-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	first := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			first = m.Content
			break
		}
	}
	sum := sha256.Sum256([]byte(host + "\x00" + first))
	return hex.EncodeToString(sum[:16])
}

// AddUserTurns appends the request's user messages to the conversation.
func (t *ConversationTracker) AddUserTurns(id string, req *protocol.StandardRequest) {
	for _, m := range req.Messages {
		if m.Role == "user" {
			t.add(id, "user", m.Content)
		}
	}
}

// AddAssistantTurn appends an assistant reply to the conversation.
func (t *ConversationTracker) AddAssistantTurn(id, content string) {
	if content != "" {
		t.add(id, "assistant", content)
	}
}

func (t *ConversationTracker) add(id, role, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	c := t.convs[id]
	if c == nil {
		c = &conversation{}
		t.convs[id] = c
	}
	c.lastSeen = now
	c.turns = append(c.turns, conversationTurn{role: role, content: content, added: now})
	if len(c.turns) > t.maxTurns {
		c.turns = c.turns[len(c.turns)-t.maxTurns:]
	}
}

// History returns the conversation's user turns joined with a separator.
// Returns "" when there are fewer than 2 turns, since a single message
// carries no cross-message context.
func (t *ConversationTracker) History(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.convs[id]
	if c == nil {
		return ""
	}
	var parts []string
	for _, turn := range c.turns {
		if turn.role == "user" {
			parts = append(parts, turn.content)
		}
	}
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts, "\n---\n")
}

// Len returns the number of live conversations.
func (t *ConversationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.convs)
}

// Run evicts idle conversations until ctx is cancelled.
func (t *ConversationTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evict()
		}
	}
}

func (t *ConversationTracker) evict() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.ttl)
	for id, c := range t.convs {
		if c.lastSeen.Before(cutoff) {
			delete(t.convs, id)
		}
	}
}
