package service

import (
	"context"
	"errors"
	"testing"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

func newTestNotificationService(repo NotificationRepositoryInterface, disabled ...string) (*NotificationService, *MockWebSocketHub) {
	s := NewNotificationService(repo, disabled, 0, utils.NewNopLogger())
	hub := &MockWebSocketHub{}
	s.SetWebSocketHub(hub)
	return s, hub
}

func TestNotificationServiceDeliver(t *testing.T) {
	ctx := context.Background()
	tradeID := "t-1"

	tests := []struct {
		name            string
		notif           *models.Notification
		disabled        []string
		createErr       error
		expectError     bool
		expectStored    int
		expectBroadcast int
	}{
		{
			name:            "persisted and broadcast",
			notif:           &models.Notification{Type: models.NotificationTypeOpen, Severity: models.SeverityInfo, TradeID: &tradeID, Message: "opened"},
			expectStored:    1,
			expectBroadcast: 1,
		},
		{
			name:            "disabled type skipped",
			notif:           &models.Notification{Type: models.NotificationTypeTrailing, Message: "trailing"},
			disabled:        []string{"trailing"},
			expectStored:    0,
			expectBroadcast: 0,
		},
		{
			name:            "repository error still broadcasts",
			notif:           &models.Notification{Type: models.NotificationTypeError, Message: "boom"},
			createErr:       errors.New("db down"),
			expectError:     true,
			expectBroadcast: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockNotificationRepository()
			repo.createErr = tt.createErr
			s, hub := newTestNotificationService(repo, tt.disabled...)

			err := s.Deliver(ctx, tt.notif)
			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if len(repo.notifications) != tt.expectStored {
				t.Errorf("expected %d stored, got %d", tt.expectStored, len(repo.notifications))
			}
			if len(hub.notifications) != tt.expectBroadcast {
				t.Errorf("expected %d broadcast, got %d", tt.expectBroadcast, len(hub.notifications))
			}
			if tt.notif.ID != 0 {
				t.Error("original notification must not be mutated")
			}
		})
	}
}

func TestNotificationServiceWithoutRepository(t *testing.T) {
	ctx := context.Background()
	s, hub := newTestNotificationService(nil)

	if err := s.Deliver(ctx, &models.Notification{Type: models.NotificationTypePause}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hub.notifications) != 1 {
		t.Errorf("expected broadcast without repository, got %d", len(hub.notifications))
	}

	list, err := s.GetNotifications(ctx, nil, 10)
	if err != nil || len(list) != 0 {
		t.Errorf("expected empty list, got %d (%v)", len(list), err)
	}
	if n, _ := s.GetNotificationCount(ctx); n != 0 {
		t.Errorf("expected zero count, got %d", n)
	}
}

func TestNotificationServiceGetNotifications(t *testing.T) {
	ctx := context.Background()
	repo := NewMockNotificationRepository()
	s, _ := newTestNotificationService(repo)

	for _, typ := range []string{models.NotificationTypeOpen, models.NotificationTypeSL, models.NotificationTypeClose, models.NotificationTypeSL} {
		_ = s.Deliver(ctx, &models.Notification{Type: typ})
	}

	tests := []struct {
		name        string
		types       []string
		limit       int
		expectCount int
		expectLimit int
	}{
		{"all types default limit", nil, 0, 4, 100},
		{"filter lower case", []string{" sl "}, 10, 2, 10},
		{"unknown types ignored", []string{"BOGUS"}, 10, 4, 10},
		{"limit capped", nil, 10000, 4, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.GetNotifications(ctx, tt.types, tt.limit)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result) != tt.expectCount {
				t.Errorf("expected %d notifications, got %d", tt.expectCount, len(result))
			}
			if repo.lastLimit != tt.expectLimit {
				t.Errorf("expected limit %d, got %d", tt.expectLimit, repo.lastLimit)
			}
		})
	}
}

func TestNotificationServiceTradeAndMaintenance(t *testing.T) {
	ctx := context.Background()
	repo := NewMockNotificationRepository()
	s := NewNotificationService(repo, nil, 2, utils.NewNopLogger())

	a, b := "t-a", "t-b"
	_ = s.Deliver(ctx, &models.Notification{Type: models.NotificationTypeOpen, TradeID: &a})
	_ = s.Deliver(ctx, &models.Notification{Type: models.NotificationTypeOpen, TradeID: &b})
	_ = s.Deliver(ctx, &models.Notification{Type: models.NotificationTypeClose, TradeID: &a})

	byTrade, err := s.GetTradeNotifications(ctx, "t-a", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byTrade) != 2 {
		t.Errorf("expected 2 notifications for t-a, got %d", len(byTrade))
	}

	if n, _ := s.GetNotificationCountByType(ctx, "open"); n != 2 {
		t.Errorf("expected 2 OPEN, got %d", n)
	}

	deleted, err := s.CleanupOld(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	if err := s.ClearNotifications(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := s.GetNotificationCount(ctx); n != 0 {
		t.Errorf("expected empty log, got %d", n)
	}
}
