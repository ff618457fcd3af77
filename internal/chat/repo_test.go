package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestCompleteTurn_MissingSessionRollsBack(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewRepo(gdb)

	msg := &Message{SessionID: "gone", UserID: "u1", Role: RoleAssistant, Content: "orphan"}
	err := repo.CompleteTurn(context.Background(), msg, time.Now())
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
	if n := countMessages(t, gdb, "gone"); n != 0 {
		t.Fatalf("assistant row must be rolled back, got %d", n)
	}
}

func TestCompleteTurn_FailedInsertLeavesCountersUnchanged(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	ctx := context.Background()
	seedSession(t, repo, "s1", "u1")

	existing := &Message{ID: "01DUPLICATEDUPLICATEDUPLIC", SessionID: "s1", UserID: "u1", Role: RoleUser, Content: "hi"}
	if err := repo.InsertMessage(ctx, existing); err != nil {
		t.Fatalf("insert: %v", err)
	}

	clash := &Message{ID: existing.ID, SessionID: "s1", UserID: "u1", Role: RoleAssistant, Content: "reply"}
	if err := repo.CompleteTurn(ctx, clash, time.Now()); err == nil {
		t.Fatalf("expected primary key conflict")
	}

	sess, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.MessageCount != 0 || sess.LastMessageAt != nil {
		t.Fatalf("counters moved on a failed turn: count=%d last=%v", sess.MessageCount, sess.LastMessageAt)
	}
	if n := countMessages(t, gdb, "s1"); n != 1 {
		t.Fatalf("expected only the original message, got %d", n)
	}
}

func TestCompleteTurn_AdvancesCounters(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	ctx := context.Background()
	seedSession(t, repo, "s1", "u1")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{SessionID: "s1", UserID: "u1", Role: RoleAssistant, Content: "reply"}
	if err := repo.CompleteTurn(ctx, msg, at); err != nil {
		t.Fatalf("complete turn: %v", err)
	}
	sess, _ := repo.GetSession(ctx, "s1")
	if sess.MessageCount != 2 || sess.LastMessageAt == nil || !sess.LastMessageAt.Equal(at) {
		t.Fatalf("unexpected counters: count=%d last=%v", sess.MessageCount, sess.LastMessageAt)
	}
}
