package chat

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeInvoker struct {
	resp      *ai.Response
	err       error
	events    []ai.StreamEvent
	streamErr error

	// onInvoke runs before Invoke returns its response.
	onInvoke func()

	calls int
	last  ai.Request
}

func (f *fakeInvoker) Invoke(ctx context.Context, req ai.Request) (*ai.Response, error) {
	_ = ctx
	f.calls++
	f.last = req
	if f.onInvoke != nil {
		f.onInvoke()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeInvoker) InvokeStream(ctx context.Context, req ai.Request) (<-chan ai.StreamEvent, error) {
	_ = ctx
	f.calls++
	f.last = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan ai.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type failingUsage struct{ calls int }

func (f *failingUsage) Record(context.Context, UsageEvent) error {
	f.calls++
	return errors.New("profile table locked")
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "sqlite:file:" + nonAlnum.ReplaceAllString(t.Name(), "_") + "?mode=memory&cache=shared"
	gdb, err := db.Open(dsn, logger.Silent)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb, Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func testCatalog() *ai.Catalog {
	return ai.NewCatalog(
		ai.ModelConfig{ID: "m1", MaxTokens: 4096, DefaultTemperature: 0.7, SupportsStreaming: true},
		ai.ModelConfig{ID: "m2", MaxTokens: 1024, DefaultTemperature: 0.2, SupportsStreaming: true},
	)
}

func newTestService(t *testing.T, inv Invoker) (*Service, *Repo, *gorm.DB) {
	t.Helper()
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	return NewService(repo, inv, testCatalog(), nil), repo, gdb
}

func seedSession(t *testing.T, repo *Repo, id, owner string) *Session {
	t.Helper()
	sess := &Session{
		ID:           id,
		UserID:       owner,
		Title:        "test",
		Model:        "m1",
		SystemPrompt: "be brief",
		Temperature:  0.7,
		MaxTokens:    4096,
	}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func countMessages(t *testing.T, gdb *gorm.DB, sessionID string) int64 {
	t.Helper()
	var n int64
	if err := gdb.Model(&Message{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

func ptr[T any](v T) *T { return &v }

func TestSendMessage_WritesUserAndAssistant(t *testing.T) {
	inv := &fakeInvoker{resp: &ai.Response{Content: "ok", Tokens: 12, Model: "m1", FinishReason: "end_turn"}}
	svc, repo, gdb := newTestService(t, inv)
	ctx := context.Background()
	seedSession(t, repo, "s1", "u1")

	res, err := svc.SendMessage(ctx, "u1", TurnInput{SessionID: "s1", Message: "Hello", Model: "m1"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if res.AssistantMessage.Content != "ok" || res.Usage.Tokens != 12 || res.Usage.Model != "m1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if inv.last.SystemPrompt != "be brief" {
		t.Fatalf("system prompt not forwarded: %q", inv.last.SystemPrompt)
	}

	msgs, err := repo.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Tokens == nil || *msgs[1].Tokens != 12 {
		t.Fatalf("unexpected assistant msg: %+v", msgs[1])
	}
	if msgs[1].Metadata.Data().FinishReason != "end_turn" {
		t.Fatalf("finish reason not stored: %+v", msgs[1].Metadata.Data())
	}

	sess, _ := repo.GetSession(ctx, "s1")
	if sess.MessageCount != 2 || sess.LastMessageAt == nil {
		t.Fatalf("session counters not updated: count=%d last=%v", sess.MessageCount, sess.LastMessageAt)
	}
	prof, err := repo.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if prof.Usage.TotalMessages != 2 || prof.Usage.TotalTokens != 12 {
		t.Fatalf("usage not applied: %+v", prof.Usage)
	}
	_ = gdb
}

func TestSendMessage_ForeignSessionRejectedBeforeAnyWork(t *testing.T) {
	inv := &fakeInvoker{resp: &ai.Response{Content: "ok"}}
	svc, repo, gdb := newTestService(t, inv)
	seedSession(t, repo, "s1", "owner")

	_, err := svc.SendMessage(context.Background(), "intruder", TurnInput{SessionID: "s1", Message: "hi", Model: "m1"})
	if apperr.StatusOf(err) != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
	if inv.calls != 0 {
		t.Fatalf("model must not be invoked, got %d calls", inv.calls)
	}
	if n := countMessages(t, gdb, "s1"); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}

func TestSendMessage_UnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeInvoker{})

	_, err := svc.SendMessage(context.Background(), "u1", TurnInput{SessionID: "nope", Message: "hi", Model: "m1"})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendMessage_ValidationNamesField(t *testing.T) {
	svc, repo, gdb := newTestService(t, &fakeInvoker{})
	seedSession(t, repo, "s1", "u1")

	cases := []struct {
		name  string
		in    TurnInput
		field string
	}{
		{"temperature high", TurnInput{SessionID: "s1", Message: "hi", Model: "m1", Temperature: ptr(1.5)}, "temperature"},
		{"temperature negative", TurnInput{SessionID: "s1", Message: "hi", Model: "m1", Temperature: ptr(-0.1)}, "temperature"},
		{"max tokens zero", TurnInput{SessionID: "s1", Message: "hi", Model: "m1", MaxTokens: ptr(0)}, "maxTokens"},
		{"max tokens huge", TurnInput{SessionID: "s1", Message: "hi", Model: "m1", MaxTokens: ptr(100001)}, "maxTokens"},
		{"missing model", TurnInput{SessionID: "s1", Message: "hi"}, "model"},
		{"missing session", TurnInput{Message: "hi", Model: "m1"}, "sessionId"},
		{"blank message", TurnInput{SessionID: "s1", Message: "  \n\t ", Model: "m1"}, "message"},
		{"blank session", TurnInput{SessionID: "   ", Message: "hi", Model: "m1"}, "sessionId"},
		{"blank model", TurnInput{SessionID: "s1", Message: "hi", Model: "\t"}, "model"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SendMessage(context.Background(), "u1", tc.in)
			e, ok := apperr.As(err)
			if !ok || e.Kind != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(e.Fields) != 1 || e.Fields[0].Field != tc.field {
				t.Fatalf("expected field %q, got %+v", tc.field, e.Fields)
			}
		})
	}

	if n := countMessages(t, gdb, "s1"); n != 0 {
		t.Fatalf("validation failures must not persist, got %d messages", n)
	}
}

func TestSendMessage_BoundaryValuesAccepted(t *testing.T) {
	inv := &fakeInvoker{resp: &ai.Response{Content: "ok", Model: "m1"}}
	svc, repo, _ := newTestService(t, inv)
	seedSession(t, repo, "s1", "u1")

	in := TurnInput{SessionID: "s1", Message: "hi", Model: "m1", Temperature: ptr(0.0), MaxTokens: ptr(100000)}
	if _, err := svc.SendMessage(context.Background(), "u1", in); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if inv.last.Temperature == nil || *inv.last.Temperature != 0 {
		t.Fatalf("explicit zero temperature lost: %v", inv.last.Temperature)
	}
}

func TestSendMessage_UpstreamFailureKeepsUserMessage(t *testing.T) {
	inv := &fakeInvoker{err: apperr.RateLimit("Rate limit exceeded. Please try again later.")}
	svc, repo, gdb := newTestService(t, inv)
	seedSession(t, repo, "s1", "u1")

	_, err := svc.SendMessage(context.Background(), "u1", TurnInput{SessionID: "s1", Message: "hi", Model: "m1"})
	if apperr.StatusOf(err) != 429 {
		t.Fatalf("expected 429, got %v", err)
	}
	if n := countMessages(t, gdb, "s1"); n != 1 {
		t.Fatalf("expected the user message to remain, got %d messages", n)
	}
	sess, _ := repo.GetSession(context.Background(), "s1")
	if sess.MessageCount != 0 {
		t.Fatalf("failed turn must not be counted, got %d", sess.MessageCount)
	}
}

func TestSendMessage_UsageFailureIsNotFatal(t *testing.T) {
	inv := &fakeInvoker{resp: &ai.Response{Content: "ok", Tokens: 3, Model: "m1"}}
	gdb := openTestDB(t)
	repo := NewRepo(gdb)
	usage := &failingUsage{}
	svc := NewService(repo, inv, testCatalog(), usage)
	seedSession(t, repo, "s1", "u1")

	if _, err := svc.SendMessage(context.Background(), "u1", TurnInput{SessionID: "s1", Message: "hi", Model: "m1"}); err != nil {
		t.Fatalf("usage failure must not fail the turn: %v", err)
	}
	if usage.calls != 1 {
		t.Fatalf("expected one usage record, got %d", usage.calls)
	}
}

func TestSendMessage_SessionRemovedMidTurnSavesNoReply(t *testing.T) {
	inv := &fakeInvoker{resp: &ai.Response{Content: "late", Model: "m1", FinishReason: "stop"}}
	svc, repo, gdb := newTestService(t, inv)
	seedSession(t, repo, "s1", "u1")
	inv.onInvoke = func() {
		if err := gdb.Exec("DELETE FROM chat_sessions WHERE id = ?", "s1").Error; err != nil {
			t.Errorf("delete session: %v", err)
		}
	}

	_, err := svc.SendMessage(context.Background(), "u1", TurnInput{SessionID: "s1", Message: "hi", Model: "m1"})
	if apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
	var assistants int64
	if err := gdb.Model(&Message{}).Where("session_id = ? AND role = ?", "s1", RoleAssistant).Count(&assistants).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if assistants != 0 {
		t.Fatalf("assistant reply must not survive a failed turn, got %d", assistants)
	}
	if prof, err := repo.GetProfile(context.Background(), "u1"); err == nil && prof.Usage.TotalMessages != 0 {
		t.Fatalf("usage must not be recorded for a failed turn: %+v", prof.Usage)
	}
}

func TestListMessages_AscendingRegardlessOfInsertOrder(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeInvoker{})
	ctx := context.Background()
	seedSession(t, repo, "s1", "u1")

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, m := range []Message{
		{ID: "03", Content: "third", CreatedAt: base.Add(2 * time.Second)},
		{ID: "01", Content: "first", CreatedAt: base},
		{ID: "02b", Content: "second-b", CreatedAt: base.Add(time.Second)},
		{ID: "02a", Content: "second-a", CreatedAt: base.Add(time.Second)},
	} {
		m.SessionID, m.UserID, m.Role = "s1", "u1", RoleUser
		if err := repo.InsertMessage(ctx, &m); err != nil {
			t.Fatalf("insert %s: %v", m.ID, err)
		}
	}

	msgs, err := svc.ListMessages(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	want := []string{"first", "second-a", "second-b", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if _, err := svc.ListMessages(ctx, "u2", "s1"); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("expected authorization error for foreign session, got %v", err)
	}
}

func TestCreateSession_DefaultsAndValidation(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeInvoker{})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "u1", SessionInput{Title: "notes"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" || sess.Model != "m1" || sess.Temperature != 0.7 || sess.MaxTokens != 4096 {
		t.Fatalf("unexpected defaults: %+v", sess)
	}

	sess, err = svc.CreateSession(ctx, "u1", SessionInput{Title: "cold", Model: "m2", Temperature: ptr(0.0)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stored, _ := repo.GetSession(ctx, sess.ID)
	if stored.Temperature != 0 || stored.MaxTokens != 1024 {
		t.Fatalf("unexpected stored session: %+v", stored)
	}

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	_, err = svc.CreateSession(ctx, "u1", SessionInput{Title: string(long)})
	if e, ok := apperr.As(err); !ok || e.Fields[0].Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}

	_, err = svc.CreateSession(ctx, "u1", SessionInput{Title: "   "})
	if e, ok := apperr.As(err); !ok || e.Kind != apperr.KindValidation || e.Fields[0].Field != "title" {
		t.Fatalf("expected blank title validation error, got %v", err)
	} else if e.Fields[0].Message != "title must not be blank" {
		t.Fatalf("unexpected message %q", e.Fields[0].Message)
	}

	_, err = svc.CreateSession(ctx, "u1", SessionInput{Title: "x", Model: "gpt-x"})
	if e, ok := apperr.As(err); !ok || e.Kind != apperr.KindValidation || e.Fields[0].Field != "model" {
		t.Fatalf("expected model validation error, got %v", err)
	}

	prof, err := repo.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if prof.Usage.SessionsCreated != 2 {
		t.Fatalf("expected 2 sessions created, got %d", prof.Usage.SessionsCreated)
	}
}

func TestListSessions_MostRecentFirst(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeInvoker{})
	ctx := context.Background()

	seedSession(t, repo, "old", "u1")
	seedSession(t, repo, "new", "u1")
	seedSession(t, repo, "other", "u2")
	at := time.Now().Add(time.Hour)
	if err := repo.UpdateSession(ctx, "old", map[string]any{"last_message_at": at}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.UpdateSession(ctx, "u1", "new", SessionPatch{IsArchived: ptr(true)}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	all, err := svc.ListSessions(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "old" {
		t.Fatalf("unexpected order: %+v", all)
	}

	active, _ := svc.ListSessions(ctx, "u1", ptr(false))
	if len(active) != 1 || active[0].ID != "old" {
		t.Fatalf("archived filter failed: %+v", active)
	}
}

func TestUpdateAndDeleteSession_Ownership(t *testing.T) {
	svc, repo, gdb := newTestService(t, &fakeInvoker{})
	ctx := context.Background()
	seedSession(t, repo, "s1", "u1")
	if err := repo.InsertMessage(ctx, &Message{SessionID: "s1", UserID: "u1", Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.UpdateSession(ctx, "u2", "s1", SessionPatch{Title: ptr("mine now")}); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := svc.UpdateSession(ctx, "u1", "s1", SessionPatch{Title: ptr("")}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for empty title, got %v", err)
	}
	updated, err := svc.UpdateSession(ctx, "u1", "s1", SessionPatch{Title: ptr("renamed"), Temperature: ptr(0.1)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "renamed" || updated.Temperature != 0.1 {
		t.Fatalf("update not applied: %+v", updated)
	}

	if err := svc.DeleteSession(ctx, "u2", "s1"); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if err := svc.DeleteSession(ctx, "u1", "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := countMessages(t, gdb, "s1"); n != 0 {
		t.Fatalf("messages should be deleted with the session, got %d", n)
	}
	if _, err := svc.GetSession(ctx, "u1", "s1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateAndDeleteMessage(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeInvoker{})
	ctx := context.Background()
	seedSession(t, repo, "s1", "u1")
	msg := &Message{SessionID: "s1", UserID: "u1", Role: RoleUser, Content: "tpyo"}
	if err := repo.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.UpdateMessage(ctx, "u2", msg.ID, MessagePatch{Content: "x"}); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	got, err := svc.UpdateMessage(ctx, "u1", msg.ID, MessagePatch{Content: "typo"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Content != "typo" {
		t.Fatalf("content not updated: %q", got.Content)
	}
	if _, err := svc.UpdateMessage(ctx, "u1", msg.ID, MessagePatch{Content: "   "}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for blank content, got %v", err)
	}
	if err := svc.DeleteMessage(ctx, "u1", msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeleteMessage(ctx, "u1", msg.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestProfile_EnsureAndUpdate(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeInvoker{})
	ctx := context.Background()

	if err := svc.EnsureProfile(ctx, "u1", "u1@example.com"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// second call is a no-op
	if err := svc.EnsureProfile(ctx, "u1", "changed@example.com"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	p, err := svc.Profile(ctx, "u1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.Email != "u1@example.com" {
		t.Fatalf("ensure must not overwrite: %q", p.Email)
	}

	p, err = svc.UpdateProfile(ctx, "u1", ProfilePatch{DisplayName: ptr("Ada")})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if p.DisplayName != "Ada" {
		t.Fatalf("display name not set: %+v", p)
	}

	p, err = svc.UpdateProfile(ctx, "u1", ProfilePatch{
		Avatar:      ptr("https://cdn.example.com/ada.png"),
		Preferences: map[string]any{"theme": "dark", "notifications": true},
	})
	if err != nil {
		t.Fatalf("update avatar and preferences: %v", err)
	}
	if p.Avatar != "https://cdn.example.com/ada.png" || p.DisplayName != "Ada" {
		t.Fatalf("avatar not set or display name lost: %+v", p)
	}
	var prefs map[string]any
	if err := json.Unmarshal(p.Preferences, &prefs); err != nil {
		t.Fatalf("decode preferences: %v", err)
	}
	if prefs["theme"] != "dark" || prefs["notifications"] != true {
		t.Fatalf("unexpected preferences: %v", prefs)
	}

	if _, err := svc.UpdateProfile(ctx, "u1", ProfilePatch{Avatar: ptr("not a url")}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected avatar validation error, got %v", err)
	}

	long := string(make([]rune, 101))
	if _, err := svc.UpdateProfile(ctx, "u1", ProfilePatch{DisplayName: &long}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
