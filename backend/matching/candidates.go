package matching

import (
	"math"
	"strings"
)

const (
	// EarthRadiusMiles is the sphere radius used by Haversine.
	EarthRadiusMiles = 3959.0
	// DefaultRangeMiles applies when a profile has no configured range.
	DefaultRangeMiles = 100.0

	// distances within this many miles of the range limit count as on the limit
	rangeEpsilon = 1e-6
)

// FeedOptions tunes ComputeCandidates.
type FeedOptions struct {
	// DefaultRangeMiles overrides DefaultRangeMiles for profiles without a range.
	DefaultRangeMiles float64
	// Limit truncates the feed; zero means no limit.
	Limit int
	// IgnoreAttributes disables the attribute-compatibility rule.
	IgnoreAttributes bool
}

// ComputeCandidates returns the swipe feed for me, in the order of all.
// It is pure: the result depends only on its arguments.
func ComputeCandidates(me UserProfile, all []UserProfile, opts FeedOptions) []UserProfile {
	rangeMiles := me.RangeMiles
	if rangeMiles <= 0 {
		rangeMiles = opts.DefaultRangeMiles
	}
	if rangeMiles <= 0 {
		rangeMiles = DefaultRangeMiles
	}

	matched := make(map[UserID]struct{}, len(me.Matches))
	for _, m := range me.Matches {
		if other, ok := m.Counterpart(me.ID); ok && containsUser(m.Users, me.ID) {
			matched[other] = struct{}{}
		}
	}

	var feed []UserProfile
	for _, c := range all {
		if c.ID == me.ID {
			continue
		}
		if me.HasRejected(c.ID) {
			continue
		}
		if _, ok := matched[c.ID]; ok {
			continue
		}
		// A one-sided copy on the candidate's side still counts as matched.
		if _, ok := c.MatchWith(me.ID); ok {
			continue
		}
		if me.HasPendingLike(c.ID) {
			continue
		}
		if me.Location != nil && c.Location != nil {
			d := Haversine(*me.Location, *c.Location)
			if d > rangeMiles+rangeEpsilon {
				continue
			}
		}
		if !opts.IgnoreAttributes && !compatible(me.Attributes, c.Attributes) {
			continue
		}
		feed = append(feed, c)
		if opts.Limit > 0 && len(feed) == opts.Limit {
			break
		}
	}
	return feed
}

// Haversine returns the great-circle distance between a and b in miles.
func Haversine(a, b Coordinates) float64 {
	dLat := (b.Lat - a.Lat) * (math.Pi / 180)
	dLon := (b.Lon - a.Lon) * (math.Pi / 180)
	lat1 := a.Lat * (math.Pi / 180)
	lat2 := b.Lat * (math.Pi / 180)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMiles * c
}

// compatible applies the preference filter of the matching screen: the genders must
// match each side's preference, and activity, age bracket and region must agree.
// An empty preference on either side leaves that dimension open.
func compatible(me, c Attributes) bool {
	if !prefers(me.PreferredGender, c.Gender) || !prefers(c.PreferredGender, me.Gender) {
		return false
	}
	return sameOrOpen(me.Activity, c.Activity) &&
		sameOrOpen(me.AgeBracket, c.AgeBracket) &&
		sameOrOpen(me.Region, c.Region)
}

func prefers(preference, gender string) bool {
	if preference == "" || gender == "" {
		return true
	}
	return strings.EqualFold(preference, gender)
}

func sameOrOpen(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return strings.EqualFold(a, b)
}

func containsUser(users []UserID, id UserID) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}
