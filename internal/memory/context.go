package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/taskmate/internal/patterns"
	"github.com/ent0n29/taskmate/internal/policy"
)

// PatternSource supplies the user's work pattern snapshot.
type PatternSource interface {
	Snapshot(ctx context.Context, userID string) (patterns.Snapshot, error)
}

// ContextBuilder turns stored memory into the free-text context attached to each run.
type ContextBuilder struct {
	store    Store
	patterns PatternSource
	turns    int
}

func NewContextBuilder(store Store, patterns PatternSource, turns int) *ContextBuilder {
	if store == nil {
		store = NewInMemoryStore()
	}
	if turns <= 0 {
		turns = 10
	}
	return &ContextBuilder{store: store, patterns: patterns, turns: turns}
}

// Context renders recent turns and the work pattern summary for userID.
func (b *ContextBuilder) Context(ctx context.Context, userID string) (string, error) {
	turns, err := b.store.RecentContext(ctx, userID, b.turns)
	if err != nil {
		return "", fmt.Errorf("load recent turns: %w", err)
	}

	var sb strings.Builder
	if len(turns) > 0 {
		sb.WriteString("Recent conversation with this user:\n")
		for _, t := range turns {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Role, strings.TrimSpace(t.Content))
		}
	}
	if b.patterns != nil {
		snap, err := b.patterns.Snapshot(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("load work patterns: %w", err)
		}
		sb.WriteString("Work patterns: ")
		sb.WriteString(patterns.Summary(snap))
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

// Remember stores one turn with personal data redacted.
func (b *ContextBuilder) Remember(ctx context.Context, userID, threadID, role, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	redacted, changed := policy.RedactPII(content)
	return b.store.SaveTurn(ctx, TurnRecord{
		UserID:      userID,
		ThreadID:    threadID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
		CreatedAt:   time.Now().UTC(),
	})
}
