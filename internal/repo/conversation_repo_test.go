package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/course-rag-backend/internal/domain"
)

func TestCreateConversation_Error_NoTable(t *testing.T) {
	db := newRepoDB(t)
	c, err := CreateConversation(context.Background(), db, "u1", "t")
	if err == nil || c != nil {
		t.Fatalf("expected error creating without table, got c=%v err=%v", c, err)
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	db := newRepoDB(t, allModels()...)
	ctx := context.Background()

	c, err := CreateConversation(ctx, db, "u1", domain.DefaultConversationTitle)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if c.ID == "" || c.MessageCount != 0 || c.SummarizedCount != 0 || c.RollingSummary != "" {
		t.Fatalf("new conversation should be fresh: %+v", c)
	}

	got, err := GetConversation(ctx, db, c.ID)
	if err != nil || got.UserID != "u1" || got.Title != "New Chat" {
		t.Fatalf("GetConversation = %+v, %v", got, err)
	}
	locked, err := LockConversation(ctx, db, c.ID)
	if err != nil || locked.ID != c.ID {
		t.Fatalf("LockConversation = %+v, %v", locked, err)
	}
	if _, err := GetConversation(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListConversations_OrderedByUpdatedAtDesc(t *testing.T) {
	db := newRepoDB(t, allModels()...)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	seed := []domain.Conversation{
		{ID: "c1", UserID: "u1", Title: "A", CreatedAt: base, UpdatedAt: base.Add(3 * time.Hour)},
		{ID: "c2", UserID: "u1", Title: "B", CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)},
		{ID: "c3", UserID: "u1", Title: "C", CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base.Add(2 * time.Hour)},
		{ID: "cx", UserID: "u2", Title: "X", CreatedAt: base, UpdatedAt: base},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed %s: %v", seed[i].ID, err)
		}
	}

	list, err := ListConversations(ctx, db, "u1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c1" || list[1].ID != "c3" || list[2].ID != "c2" {
		t.Fatalf("unexpected order: %+v", list)
	}

	total, err := CountConversations(ctx, db, "u1")
	if err != nil || total != 3 {
		t.Fatalf("CountConversations = %d, %v", total, err)
	}
	page, err := ListConversationsPage(ctx, db, "u1", 1, 1)
	if err != nil || len(page) != 1 || page[0].ID != "c3" {
		t.Fatalf("ListConversationsPage = %+v, %v", page, err)
	}
}

func TestUpdateConversationTitle_SuccessAndNotFound(t *testing.T) {
	db := newRepoDB(t, allModels()...)
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "u1", "old")

	if err := UpdateConversationTitle(ctx, db, c.ID, "u1", "new"); err != nil {
		t.Fatalf("UpdateConversationTitle: %v", err)
	}
	got, _ := GetConversation(ctx, db, c.ID)
	if got.Title != "new" {
		t.Fatalf("title = %q", got.Title)
	}
	if err := UpdateConversationTitle(ctx, db, c.ID, "intruder", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner rename should be ErrNotFound, got %v", err)
	}
}

func TestAdvanceConversation_OptimisticGuard(t *testing.T) {
	db := newRepoDB(t, allModels()...)
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "u1", domain.DefaultConversationTitle)

	now := time.Now().UTC()
	err := AdvanceConversation(ctx, db, c.ID, 0, ConversationUpdate{MessageCount: 2, SummarizedCount: 0, Title: "Binary Trees", UpdatedAt: now})
	if err != nil {
		t.Fatalf("AdvanceConversation: %v", err)
	}
	got, _ := GetConversation(ctx, db, c.ID)
	if got.MessageCount != 2 || got.Title != "Binary Trees" {
		t.Fatalf("unexpected row: %+v", got)
	}

	// Stale expected count must not write.
	err = AdvanceConversation(ctx, db, c.ID, 0, ConversationUpdate{MessageCount: 9, SummarizedCount: 1, RollingSummary: "s", UpdatedAt: now})
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	// Empty title keeps the current one.
	if err := AdvanceConversation(ctx, db, c.ID, 2, ConversationUpdate{MessageCount: 4, SummarizedCount: 1, RollingSummary: "s", UpdatedAt: now}); err != nil {
		t.Fatalf("AdvanceConversation: %v", err)
	}
	got, _ = GetConversation(ctx, db, c.ID)
	if got.MessageCount != 4 || got.SummarizedCount != 1 || got.RollingSummary != "s" || got.Title != "Binary Trees" {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestDeleteConversation_RemovesMessages(t *testing.T) {
	db := newRepoDB(t, allModels()...)
	ctx := context.Background()
	c, _ := CreateConversation(ctx, db, "u1", "t")
	_ = CreateMessages(ctx, db, []domain.ChatMessage{
		{ID: "m1", ConversationID: c.ID, Seq: 1, Role: domain.RoleUser, Content: "q"},
		{ID: "m2", ConversationID: c.ID, Seq: 2, Role: domain.RoleAssistant, Content: "a"},
	})

	if err := DeleteConversation(ctx, db, c.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if n, _ := CountMessages(ctx, db, c.ID); n != 0 {
		t.Fatalf("messages should be gone, got %d", n)
	}
	if err := DeleteConversation(ctx, db, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
