package services

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/tbourn/go-swap-matcher/internal/domain"
	"github.com/tbourn/go-swap-matcher/internal/repo"
)

// Rejection reasons of Compat.Reciprocal, in evaluation order.
const (
	ReasonIneligible      = "ineligible"
	ReasonCriteria        = "criteria"
	ReasonZone            = "zone"
	ReasonDates           = "dates"
	ReasonReverseCriteria = "reverse_criteria"
	ReasonReverseZone     = "reverse_zone"
)

// Compat evaluates whether searches accept dwellings.
//
// DateTolerance widens the availability overlap test on both sides. Zero
// means the windows must strictly overlap.
type Compat struct {
	DateTolerance time.Duration
}

// Reciprocal checks that seeker and target can exchange homes directly. The
// checks run in a fixed order and stop at the first failure, whose reason is
// returned:
//
//  1. both parties eligible
//  2. target dwelling satisfies seeker criteria
//  3. target dwelling inside a seeker zone
//  4. availability windows overlap
//  5. seeker dwelling satisfies target criteria
//  6. seeker dwelling inside a target zone
func (c Compat) Reciprocal(seeker, target *domain.Intent) (bool, string) {
	switch {
	case !seeker.Eligible() || !target.Eligible():
		return false, ReasonIneligible
	case !complete(seeker) || !complete(target):
		return false, ReasonCriteria
	case !acceptsDwelling(seeker.Criteria, target.Dwelling):
		return false, ReasonCriteria
	case !inAnyZone(seeker.Criteria.Zones, target.Dwelling):
		return false, ReasonZone
	case !datesOverlap(seeker.Criteria, target.Criteria, c.DateTolerance):
		return false, ReasonDates
	case !acceptsDwelling(target.Criteria, seeker.Dwelling):
		return false, ReasonReverseCriteria
	case !inAnyZone(target.Criteria.Zones, seeker.Dwelling):
		return false, ReasonReverseZone
	}
	return true, ""
}

// Accepts reports whether searcher's search accepts owner's dwelling: the
// one-way relation behind a compatibility edge searcher -> owner.
func (c Compat) Accepts(searcher, owner *domain.Intent) bool {
	if !complete(searcher) || !complete(owner) || searcher.ID == owner.ID {
		return false
	}
	return acceptsDwelling(searcher.Criteria, owner.Dwelling) &&
		inAnyZone(searcher.Criteria.Zones, owner.Dwelling) &&
		datesOverlap(searcher.Criteria, owner.Criteria, c.DateTolerance)
}

func complete(in *domain.Intent) bool {
	return in != nil && in.Dwelling != nil && in.Criteria != nil
}

// acceptsDwelling checks rent, surface, room and type bounds. Zero upper
// bounds are unbounded; an empty type list accepts every type.
func acceptsDwelling(c *domain.SearchCriteria, d *domain.Dwelling) bool {
	if d.Rent < c.MinRent || (c.MaxRent > 0 && d.Rent > c.MaxRent) {
		return false
	}
	if d.Surface < c.MinSurface || (c.MaxSurface > 0 && d.Surface > c.MaxSurface) {
		return false
	}
	if d.Rooms < c.MinRooms || (c.MaxRooms > 0 && d.Rooms > c.MaxRooms) {
		return false
	}
	if len(c.Types) == 0 {
		return true
	}
	for _, t := range c.Types {
		if t == string(d.Type) {
			return true
		}
	}
	return false
}

// inAnyZone reports whether the dwelling lies within the radius of at least
// one zone, by great-circle distance. No zones means nowhere.
func inAnyZone(zones []domain.SearchZone, d *domain.Dwelling) bool {
	home := orb.Point{d.Lng, d.Lat}
	for _, z := range zones {
		if geo.DistanceHaversine(orb.Point{z.Lng, z.Lat}, home) <= z.RadiusKm*1000 {
			return true
		}
	}
	return false
}

// datesOverlap reports whether the two availability windows intersect once
// each side is widened by tol. A nil end is open.
func datesOverlap(a, b *domain.SearchCriteria, tol time.Duration) bool {
	if a.AvailableFrom != nil && b.AvailableTo != nil && a.AvailableFrom.After(b.AvailableTo.Add(tol)) {
		return false
	}
	if b.AvailableFrom != nil && a.AvailableTo != nil && b.AvailableFrom.After(a.AvailableTo.Add(tol)) {
		return false
	}
	return true
}

// zoneBounds returns one bounding box per zone, used as an SQL pre-filter.
// Boxes crossing the antimeridian are not split.
func zoneBounds(zones []domain.SearchZone) []orb.Bound {
	out := make([]orb.Bound, 0, len(zones))
	for _, z := range zones {
		out = append(out, geo.NewBoundAroundPoint(orb.Point{z.Lng, z.Lat}, z.RadiusKm*1000))
	}
	return out
}

// candidateFilter translates the seeker's criteria into the SQL pre-filter
// of repo.FindCandidateIntentIDs.
func candidateFilter(seeker *domain.Intent, limit int) repo.CandidateFilter {
	c := seeker.Criteria
	return repo.CandidateFilter{
		SeekerIntentID: seeker.ID,
		SeekerUserID:   seeker.UserID,
		MinRent:        c.MinRent,
		MaxRent:        c.MaxRent,
		MinSurface:     c.MinSurface,
		MaxSurface:     c.MaxSurface,
		MinRooms:       c.MinRooms,
		MaxRooms:       c.MaxRooms,
		Types:          []string(c.Types),
		Boxes:          zoneBounds(c.Zones),
		Limit:          limit,
	}
}

// Scorer rates how well target's dwelling suits seeker's search. Scores are
// summed along a triangle to rank candidate cycles, higher first.
type Scorer interface {
	Score(seeker, target *domain.Intent) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(seeker, target *domain.Intent) float64

// Score calls f.
func (f ScorerFunc) Score(seeker, target *domain.Intent) float64 { return f(seeker, target) }

// RentProximityScorer scores 1 - |maxRent - rent| / maxRent clamped to
// [0, 1]: homes priced close to the seeker's budget rank first. A seeker
// without a rent ceiling scores every home 1.
type RentProximityScorer struct{}

// Score implements Scorer.
func (RentProximityScorer) Score(seeker, target *domain.Intent) float64 {
	if !complete(seeker) || !complete(target) {
		return 0
	}
	maxRent := seeker.Criteria.MaxRent
	if maxRent <= 0 {
		return 1
	}
	s := 1 - math.Abs(maxRent-target.Dwelling.Rent)/maxRent
	return math.Max(0, math.Min(1, s))
}
