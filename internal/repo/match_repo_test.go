package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-swap-matcher/internal/domain"
)

func TestCreateMatches_GroupAndDuplicate(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	rows := []domain.Match{
		{ID: "m1", SeekerIntentID: "a", TargetIntentID: "b", TargetDwellingID: "d-b", Type: domain.MatchStandard, Status: domain.MatchNew, GroupID: "g1"},
		{ID: "m2", SeekerIntentID: "b", TargetIntentID: "a", TargetDwellingID: "d-a", Type: domain.MatchStandard, Status: domain.MatchNew, GroupID: "g1"},
	}
	if err := CreateMatches(ctx, db, rows); err != nil {
		t.Fatalf("CreateMatches: %v", err)
	}
	group, err := ListMatchesByGroup(ctx, db, "g1")
	if err != nil || len(group) != 2 || group[0].SeekerIntentID != "a" {
		t.Fatalf("group = %+v err=%v", group, err)
	}

	dup := []domain.Match{{ID: "m3", SeekerIntentID: "a", TargetIntentID: "b", TargetDwellingID: "d-b", Type: domain.MatchTriangle, GroupID: "g2"}}
	if err := CreateMatches(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := CreateMatches(ctx, db, nil); err != nil {
		t.Fatalf("empty insert: %v", err)
	}

	if n, _ := CountMatchesByType(ctx, db, domain.MatchStandard); n != 2 {
		t.Fatalf("standard count = %d", n)
	}
}

func TestMatchExistsAndPairConnected(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	if err := CreateMatches(ctx, db, []domain.Match{
		{ID: "m1", SeekerIntentID: "a", TargetIntentID: "b", TargetDwellingID: "d-b", Type: domain.MatchTriangle, GroupID: "g"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if ok, err := MatchExists(ctx, db, "a", "d-b"); err != nil || !ok {
		t.Fatalf("MatchExists(a, d-b) = %v, %v", ok, err)
	}
	if ok, _ := MatchExists(ctx, db, "b", "d-a"); ok {
		t.Fatalf("reverse direction must not exist")
	}
	if ok, _ := PairConnected(ctx, db, "b", "a"); !ok {
		t.Fatalf("pair must be connected in either order")
	}
	if ok, _ := PairConnected(ctx, db, "a", "c"); ok {
		t.Fatalf("unrelated pair reported connected")
	}
}
