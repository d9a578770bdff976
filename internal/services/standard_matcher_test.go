package services

import (
	"context"
	"testing"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

func TestStandard_MutualPairCreatesGroup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, participant{ID: "a", Credits: 2, Rent: 900, MaxRent: 1000})
	seed(t, db, participant{ID: "b", Credits: 1, Rent: 950, MaxRent: 1000})

	stats, err := newStandard(db).Run(ctx, "a", "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Created != 1 || stats.Candidates != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	var rows []domain.Match
	db.Order("seeker_intent_id").Find(&rows)
	if len(rows) != 2 {
		t.Fatalf("want 2 match rows, got %d", len(rows))
	}
	if rows[0].GroupID == "" || rows[0].GroupID != rows[1].GroupID {
		t.Fatalf("rows must share a group id: %+v", rows)
	}
	if rows[0].SeekerIntentID != "a" || rows[0].TargetDwellingID != "d-b" || rows[0].TargetIntentID != "b" {
		t.Fatalf("a->b row wrong: %+v", rows[0])
	}
	if rows[1].SeekerIntentID != "b" || rows[1].TargetDwellingID != "d-a" {
		t.Fatalf("b->a row wrong: %+v", rows[1])
	}
	for _, r := range rows {
		if r.Type != domain.MatchStandard || r.Status != domain.MatchNew {
			t.Fatalf("type/status wrong: %+v", r)
		}
	}

	a, b := loadIntent(t, db, "a"), loadIntent(t, db, "b")
	if a.RemainingCredits != 1 || !a.InFlow {
		t.Fatalf("a: credits=%d in_flow=%v", a.RemainingCredits, a.InFlow)
	}
	if b.RemainingCredits != 0 || b.InFlow {
		t.Fatalf("b: credits=%d in_flow=%v", b.RemainingCredits, b.InFlow)
	}

	var pays []domain.Payment
	db.Order("id").Find(&pays)
	for _, p := range pays {
		if p.CreditsUsed != 1 {
			t.Fatalf("payment %s used=%d; want 1", p.ID, p.CreditsUsed)
		}
	}

	var outbox []domain.OutboxEntry
	db.Order("intent_id").Find(&outbox)
	if len(outbox) != 2 || outbox[0].RunID != "run-1" || outbox[0].MatchCountDelta != 1 || len(outbox[0].MatchUIDs) != 1 {
		t.Fatalf("outbox = %+v", outbox)
	}
}

func TestStandard_ViolatedCriterionCreatesNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, participant{ID: "a", Credits: 1, Rent: 900, MaxRent: 1000})
	// b's rent is above a's budget; everything else matches.
	seed(t, db, participant{ID: "b", Credits: 1, Rent: 1200, MaxRent: 1000})

	stats, err := newStandard(db).Run(ctx, "a", "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Created != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if n := countRows(t, db, &domain.Match{}); n != 0 {
		t.Fatalf("matches = %d", n)
	}
	if a := loadIntent(t, db, "a"); a.RemainingCredits != 1 {
		t.Fatalf("credits must be untouched: %d", a.RemainingCredits)
	}
}

func TestStandard_ReverseRejectionIsCounted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, participant{ID: "a", Credits: 1, Rent: 1500})
	seed(t, db, participant{ID: "b", Credits: 1, Rent: 900, MaxRent: 1000})

	stats, err := newStandard(db).Run(ctx, "a", "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Created != 0 || stats.Rejected != 1 || stats.Reasons[ReasonReverseCriteria] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestStandard_StopsWhenSeekerRunsOut(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, participant{ID: "a", Credits: 1, Rent: 900})
	seed(t, db, participant{ID: "b", Credits: 1, Rent: 900})
	seed(t, db, participant{ID: "c", Credits: 1, Rent: 900})

	stats, err := newStandard(db).Run(ctx, "a", "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if n := countRows(t, db, &domain.Match{}); n != 2 {
		t.Fatalf("matches = %d; want 2", n)
	}
	if c := loadIntent(t, db, "c"); c.RemainingCredits != 1 {
		t.Fatalf("c must not be charged: %d", c.RemainingCredits)
	}
}

func TestStandard_ExhaustedCreditSourceFails(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, participant{ID: "a", Credits: 1, Rent: 900})
	seed(t, db, participant{ID: "b", Credits: 1, Rent: 900})
	db.Model(&domain.Payment{}).Where("id = ?", "p-b").UpdateColumn("credits_used", 1)

	if _, err := newStandard(db).Run(ctx, "a", "run-1"); err == nil {
		t.Fatalf("expected a ledger error")
	}
	if n := countRows(t, db, &domain.Match{}); n != 0 {
		t.Fatalf("no match may survive the rollback: %d", n)
	}
	if a := loadIntent(t, db, "a"); a.RemainingCredits != 1 {
		t.Fatalf("a must not be charged: %d", a.RemainingCredits)
	}
}

func TestStandard_IneligibleSeekerIsNoop(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seed(t, db, participant{ID: "a", Credits: 1, Rent: 900, Out: true})
	seed(t, db, participant{ID: "b", Credits: 1, Rent: 900})

	stats, err := newStandard(db).Run(ctx, "a", "run-1")
	if err != nil || stats.Created != 0 || stats.Candidates != 0 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	if _, err := newStandard(db).Run(ctx, "missing", "run-1"); err != ErrIntentNotFound {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}
