package ticket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/botadmin/internal/rbac"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(1, rbac.ActionAdjustBalance, "42", map[string]any{"amount_kopeks": int64(-500), "description": "refund"})
	b := Fingerprint(1, rbac.ActionAdjustBalance, "42", map[string]any{"description": "refund", "amount_kopeks": int64(-500)})
	if a != b {
		t.Fatal("fingerprint must not depend on parameter order")
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_DiscriminatesEveryField(t *testing.T) {
	base := Fingerprint(1, rbac.ActionAdjustBalance, "42", map[string]any{"amount_kopeks": int64(100)})

	if Fingerprint(2, rbac.ActionAdjustBalance, "42", map[string]any{"amount_kopeks": int64(100)}) == base {
		t.Error("different admin must change the fingerprint")
	}
	if Fingerprint(1, rbac.ActionBlockUser, "42", map[string]any{"amount_kopeks": int64(100)}) == base {
		t.Error("different kind must change the fingerprint")
	}
	if Fingerprint(1, rbac.ActionAdjustBalance, "43", map[string]any{"amount_kopeks": int64(100)}) == base {
		t.Error("different target must change the fingerprint")
	}
	if Fingerprint(1, rbac.ActionAdjustBalance, "42", map[string]any{"amount_kopeks": int64(101)}) == base {
		t.Error("different params must change the fingerprint")
	}
}

func TestService_IssueAndConsume(t *testing.T) {
	svc := NewService(NewMemoryStore(), time.Minute)
	ctx := context.Background()
	params := map[string]any{"days": 30}

	issued, err := svc.Issue(ctx, 7, rbac.ActionExtendSubscription, "42", "big batch", params)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if !strings.HasPrefix(issued.ID, "cft_") {
		t.Errorf("ticket id = %q, want cft_ prefix", issued.ID)
	}
	if issued.Reason != "big batch" {
		t.Errorf("reason = %q", issued.Reason)
	}

	if err := svc.Consume(ctx, issued.ID, 7, rbac.ActionExtendSubscription, "42", params); err != nil {
		t.Fatalf("Consume() error: %v", err)
	}
	// second consume of the same ticket
	err = svc.Consume(ctx, issued.ID, 7, rbac.ActionExtendSubscription, "42", params)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Consume() = %v, want ErrNotFound", err)
	}
}

func TestService_ConsumeMismatchKeepsTicket(t *testing.T) {
	svc := NewService(NewMemoryStore(), time.Minute)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, 7, rbac.ActionAdjustBalance, "42", "", map[string]any{"amount_kopeks": int64(100)})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	// altered amount must be rejected without spending the ticket
	err = svc.Consume(ctx, issued.ID, 7, rbac.ActionAdjustBalance, "42", map[string]any{"amount_kopeks": int64(9999)})
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("Consume(mismatched) = %v, want ErrMismatch", err)
	}

	// the original request still works
	err = svc.Consume(ctx, issued.ID, 7, rbac.ActionAdjustBalance, "42", map[string]any{"amount_kopeks": int64(100)})
	if err != nil {
		t.Fatalf("Consume(original) after mismatch error: %v", err)
	}
}

func TestMemoryStore_ConsumeExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Second)
	tk := &Ticket{
		ID:          "cft_expired",
		AdminID:     1,
		Kind:        rbac.ActionBlockUser,
		Fingerprint: Fingerprint(1, rbac.ActionBlockUser, "9", nil),
		CreatedAt:   past.Add(-time.Minute),
		ExpiresAt:   past,
	}
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err := store.Consume(ctx, tk.ID, tk.Fingerprint)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("Consume(expired) = %v, want ErrExpired", err)
	}
	// the expired ticket was removed on the way out
	_, err = store.Consume(ctx, tk.ID, tk.Fingerprint)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Consume(removed) = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ConcurrentConsume(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	fp := Fingerprint(1, rbac.ActionSyncRemote, "", map[string]any{"mode": "to-panel"})

	tk := &Ticket{
		ID:          "cft_race",
		AdminID:     1,
		Kind:        rbac.ActionSyncRemote,
		Fingerprint: fp,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Minute),
	}
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	const racers = 32
	var wins, losses int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Consume(ctx, "cft_race", fp)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrNotFound) {
				losses++
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if losses != racers-1 {
		t.Fatalf("losses = %d, want %d", losses, racers-1)
	}
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, expiry := range []time.Time{now.Add(-time.Hour), now.Add(-time.Minute), now.Add(time.Hour)} {
		tk := &Ticket{
			ID:        "cft_" + string(rune('a'+i)),
			ExpiresAt: expiry,
		}
		if err := store.Create(ctx, tk); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	removed, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
}
