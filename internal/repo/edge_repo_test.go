package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

func edge(from, to string, score float64, at time.Time) domain.CompatibilityEdge {
	return domain.CompatibilityEdge{FromIntentID: from, ToIntentID: to, Score: score, RefreshedAt: at}
}

func TestUpsertEdges_OverwritesScore(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	if err := UpsertEdges(ctx, db, []domain.CompatibilityEdge{edge("a", "b", 0.2, base)}); err != nil {
		t.Fatalf("UpsertEdges: %v", err)
	}
	if err := UpsertEdges(ctx, db, []domain.CompatibilityEdge{edge("a", "b", 0.9, base.Add(time.Minute)), edge("a", "c", 0.5, base)}); err != nil {
		t.Fatalf("UpsertEdges: %v", err)
	}
	out, err := EdgesFrom(ctx, db, "a")
	if err != nil || len(out) != 2 {
		t.Fatalf("EdgesFrom = %+v err=%v", out, err)
	}
	if out[0].ToIntentID != "b" || out[0].Score != 0.9 || !out[0].RefreshedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("edge not updated: %+v", out[0])
	}
	in, _ := EdgesTo(ctx, db, "c")
	if len(in) != 1 || in[0].FromIntentID != "a" {
		t.Fatalf("EdgesTo = %+v", in)
	}
}

func TestDeleteStaleEdgesFor(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	old := base.Add(-time.Hour)
	_ = UpsertEdges(ctx, db, []domain.CompatibilityEdge{
		edge("a", "b", 1, base), // refreshed
		edge("a", "c", 1, old),  // stale outgoing
		edge("d", "a", 1, old),  // stale incoming
		edge("d", "b", 1, old),  // not touching a
	})

	n, err := DeleteStaleEdgesFor(ctx, db, "a", base)
	if err != nil || n != 2 {
		t.Fatalf("DeleteStaleEdgesFor: n=%d err=%v", n, err)
	}
	var left int64
	db.Model(&domain.CompatibilityEdge{}).Count(&left)
	if left != 2 {
		t.Fatalf("expected 2 edges left, got %d", left)
	}
}

func TestPurgeStaleEdges_RemovesIneligibleEndpoints(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	seedIntent(t, db, intentFixture{ID: "a", Credits: 1})
	seedIntent(t, db, intentFixture{ID: "b", Credits: 1})
	seedIntent(t, db, intentFixture{ID: "broke", Credits: 0})
	_ = UpsertEdges(ctx, db, []domain.CompatibilityEdge{
		edge("a", "b", 1, base),
		edge("a", "broke", 1, base),
		edge("broke", "b", 1, base),
		edge("a", "ghost", 1, base),
	})

	n, err := PurgeStaleEdges(ctx, db)
	if err != nil || n != 3 {
		t.Fatalf("PurgeStaleEdges: n=%d err=%v", n, err)
	}
	out, _ := EdgesFrom(ctx, db, "a")
	if len(out) != 1 || out[0].ToIntentID != "b" {
		t.Fatalf("unexpected survivors: %+v", out)
	}
}

func TestFindTriangleCandidates(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e", "x"} {
		seedIntent(t, db, intentFixture{ID: id, Credits: 1})
	}
	seedIntent(t, db, intentFixture{ID: "broke", Credits: 0})

	_ = UpsertEdges(ctx, db, []domain.CompatibilityEdge{
		// a->b->c->a: valid, score 0.9+0.9+0.9
		edge("a", "b", 0.9, base), edge("b", "c", 0.9, base), edge("c", "a", 0.9, base),
		// a->d->e->a: valid, lower score
		edge("a", "d", 0.1, base), edge("d", "e", 0.1, base), edge("e", "a", 0.1, base),
		// a->x->c->a: x->a exists, so a/x should pair directly
		edge("a", "x", 1, base), edge("x", "c", 1, base), edge("x", "a", 1, base),
		// a->b->broke->a: broke is ineligible
		edge("b", "broke", 1, base), edge("broke", "a", 1, base),
	})

	got, err := FindTriangleCandidates(ctx, db, "a", 0, 10)
	if err != nil {
		t.Fatalf("FindTriangleCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 cycles, got %+v", got)
	}
	if got[0].B != "b" || got[0].C != "c" || got[1].B != "d" || got[1].C != "e" {
		t.Fatalf("unexpected cycles/order: %+v", got)
	}
	if got[0].Score < 2.69 || got[0].Score > 2.71 {
		t.Fatalf("summed score = %v", got[0].Score)
	}

	page2, _ := FindTriangleCandidates(ctx, db, "a", 1, 1)
	if len(page2) != 1 || page2[0].B != "d" {
		t.Fatalf("offset paging broken: %+v", page2)
	}

	// c->b closes a direct pair between b and c.
	_ = UpsertEdges(ctx, db, []domain.CompatibilityEdge{edge("c", "b", 1, base)})
	got, _ = FindTriangleCandidates(ctx, db, "a", 0, 10)
	if len(got) != 1 || got[0].B != "d" {
		t.Fatalf("reverse edge c->b must exclude a-b-c: %+v", got)
	}

	// An existing match between d and e excludes the last cycle.
	_ = CreateMatches(ctx, db, []domain.Match{{ID: "m", SeekerIntentID: "e", TargetIntentID: "d", TargetDwellingID: "d-d", Type: domain.MatchStandard, GroupID: "g"}})
	got, _ = FindTriangleCandidates(ctx, db, "a", 0, 10)
	if len(got) != 0 {
		t.Fatalf("matched pair must exclude cycle: %+v", got)
	}
}
