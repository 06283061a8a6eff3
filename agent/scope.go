package agent

import (
	"context"
	"sync"
)

// Scope tracks the conversation a region of caller code participates in.
// It is attached to a context: calls made with that context enrich outgoing
// requests with the captured conversation ID, and the first successful call
// inside a scope with no ID captures the server-assigned one.
//
// Scopes nest; the innermost scope on the context wins. Dropping the
// derived context discards the scope and its captured ID.
type Scope struct {
	mu             sync.Mutex
	conversationID string
}

// ConversationID returns the captured ID, "" when none has been captured
func (s *Scope) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// capture stores the first conversation ID observed. Later captures are
// ignored so concurrent batch calls settle on a single conversation.
func (s *Scope) capture(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = id
	}
}

type scopeKey struct{}

// WithConversation enters a conversation scope with no preset ID. The first
// successful chat under the returned context captures the conversation.
func WithConversation(ctx context.Context) (context.Context, *Scope) {
	s := &Scope{}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// WithConversationID enters a scope pre-seeded with a caller-provided ID.
// Pre-seeding avoids the race where concurrent batch calls all enter the
// scope before any response has arrived.
func WithConversationID(ctx context.Context, conversationID string) (context.Context, *Scope) {
	s := &Scope{conversationID: conversationID}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// scopeFrom returns the innermost active scope, if any
func scopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}
