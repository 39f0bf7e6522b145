package policy

import (
	"testing"

	"github.com/mbd888/botadmin/internal/rbac"
)

func testConfig() Config {
	return Config{
		BalanceFloorKopeks:            0,
		BalanceConfirmThresholdKopeks: 5_000_000, // 50 000 RUB
		RequireBlockConfirmation:      true,
		BatchConfirmSize:              100,
	}
}

func TestClassify_Balance(t *testing.T) {
	e := NewEngine(testConfig())
	balance := func(v int64) *int64 { return &v }

	tests := []struct {
		name string
		in   Input
		want Verdict
	}{
		{
			name: "small top-up allowed",
			in:   Input{Kind: rbac.ActionAdjustBalance, AmountKopeks: 100_000},
			want: Allow,
		},
		{
			name: "small deduction allowed",
			in:   Input{Kind: rbac.ActionAdjustBalance, AmountKopeks: -100_000},
			want: Allow,
		},
		{
			name: "large top-up needs confirmation",
			in:   Input{Kind: rbac.ActionAdjustBalance, AmountKopeks: 5_000_000},
			want: RequireConfirmation,
		},
		{
			name: "large deduction needs confirmation",
			in:   Input{Kind: rbac.ActionAdjustBalance, AmountKopeks: -9_000_000},
			want: RequireConfirmation,
		},
		{
			name: "deduction below floor denied",
			in: Input{
				Kind:                 rbac.ActionAdjustBalance,
				AmountKopeks:         -200_000,
				CurrentBalanceKopeks: balance(100_000),
			},
			want: Deny,
		},
		{
			name: "deduction to exactly the floor allowed",
			in: Input{
				Kind:                 rbac.ActionAdjustBalance,
				AmountKopeks:         -100_000,
				CurrentBalanceKopeks: balance(100_000),
			},
			want: Allow,
		},
		{
			name: "unknown balance skips the floor check",
			in:   Input{Kind: rbac.ActionAdjustBalance, AmountKopeks: -200_000},
			want: Allow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Classify(tt.in)
			if got.Verdict != tt.want {
				t.Fatalf("Classify() = %q (%s), want %q", got.Verdict, got.Reason, tt.want)
			}
			if got.Verdict != Allow && got.Reason == "" {
				t.Error("non-allow decision must carry a reason")
			}
		})
	}
}

func TestClassify_FloorDenyWinsOverThreshold(t *testing.T) {
	e := NewEngine(testConfig())
	current := int64(1_000_000)
	got := e.Classify(Input{
		Kind:                 rbac.ActionAdjustBalance,
		AmountKopeks:         -8_000_000,
		CurrentBalanceKopeks: &current,
	})
	if got.Verdict != Deny {
		t.Fatalf("Classify() = %q, want deny: a hard violation must not be downgraded to confirmation", got.Verdict)
	}
}

func TestClassify_BlockUnblock(t *testing.T) {
	e := NewEngine(testConfig())
	for _, kind := range []rbac.ActionKind{rbac.ActionBlockUser, rbac.ActionUnblockUser} {
		if got := e.Classify(Input{Kind: kind}); got.Verdict != RequireConfirmation {
			t.Errorf("Classify(%s) = %q, want requires_confirmation", kind, got.Verdict)
		}
	}

	cfg := testConfig()
	cfg.RequireBlockConfirmation = false
	relaxed := NewEngine(cfg)
	if got := relaxed.Classify(Input{Kind: rbac.ActionBlockUser}); got.Verdict != Allow {
		t.Errorf("Classify(block_user) with toggle off = %q, want allow", got.Verdict)
	}
}

func TestClassify_BatchRule(t *testing.T) {
	e := NewEngine(testConfig())

	if got := e.Classify(Input{Kind: rbac.ActionSyncRemote}); got.Verdict != Allow {
		t.Errorf("single sync = %q, want allow", got.Verdict)
	}
	if got := e.Classify(Input{Kind: rbac.ActionSyncRemote, BatchSize: 100}); got.Verdict != Allow {
		t.Errorf("batch at the limit = %q, want allow", got.Verdict)
	}
	if got := e.Classify(Input{Kind: rbac.ActionExtendSubscription, BatchSize: 101}); got.Verdict != RequireConfirmation {
		t.Errorf("batch over the limit = %q, want requires_confirmation", got.Verdict)
	}

	cfg := testConfig()
	cfg.BatchConfirmSize = 0
	unlimited := NewEngine(cfg)
	if got := unlimited.Classify(Input{Kind: rbac.ActionSyncRemote, BatchSize: 10_000}); got.Verdict != Allow {
		t.Errorf("batch rule disabled = %q, want allow", got.Verdict)
	}
}

func TestClassify_UnknownKindDenied(t *testing.T) {
	e := NewEngine(testConfig())
	if got := e.Classify(Input{Kind: rbac.ActionKind("drop_tables")}); got.Verdict != Deny {
		t.Fatalf("Classify(unknown) = %q, want deny", got.Verdict)
	}
}
