package matching

import (
	"slices"
	"time"
)

// UserID is the opaque, stable identifier of a profile document.
type UserID string

// ListKey makes a UserID usable as a set element in AppendToList.
func (id UserID) ListKey() string { return string(id) }

// Coordinates is a point on the globe in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Attributes are the profile fields used as candidate filters.
type Attributes struct {
	Gender          string            `json:"gender"`
	PreferredGender string            `json:"preferredGender"`
	Activity        string            `json:"activity"`
	AgeBracket      string            `json:"ageBracket"`
	Region          string            `json:"region"`
	Location        *Coordinates      `json:"location,omitempty"`
	RangeMiles      float64           `json:"rangeMiles,omitempty"`
	SkillLevels     map[string]string `json:"skillLevels,omitempty"`
}

// UserProfile is the normalized view of one profile document. Legacy field
// spellings are translated by the store adapters before a profile reaches the core.
type UserProfile struct {
	ID        UserID `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstname"`
	Age       int    `json:"age"`

	Attributes

	// RejectedUsers only ever grows; there is no undo for a left swipe.
	RejectedUsers []UserID `json:"rejectedUsers"`
	// RightSwipes is the pending-like queue: one-sided interest not yet reciprocated.
	RightSwipes []UserID      `json:"rightSwipes"`
	Matches     []MatchRecord `json:"matches"`
}

// HasRejected reports whether id is in the profile's rejected set.
func (p *UserProfile) HasRejected(id UserID) bool {
	return slices.Contains(p.RejectedUsers, id)
}

// HasPendingLike reports whether id is in the profile's right-swipe queue.
func (p *UserProfile) HasPendingLike(id UserID) bool {
	return slices.Contains(p.RightSwipes, id)
}

// MatchWith returns the first match record shared with other, if any.
func (p *UserProfile) MatchWith(other UserID) (MatchRecord, bool) {
	for _, m := range p.Matches {
		if m.Involves(p.ID, other) {
			return m, true
		}
	}
	return MatchRecord{}, false
}

// MatchByID returns the match record with the given id, if present.
func (p *UserProfile) MatchByID(id string) (MatchRecord, bool) {
	for _, m := range p.Matches {
		if m.ID == id {
			return m, true
		}
	}
	return MatchRecord{}, false
}

// MatchRecord is one participant's copy of a mutual match. Both copies share ID;
// the display fields describe the other participant and are a snapshot.
type MatchRecord struct {
	ID    string   `json:"id"`
	Users []UserID `json:"users"`

	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"firstname,omitempty"`
	Age       int       `json:"age,omitempty"`
	Gender    string    `json:"gender,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListKey makes match records set elements keyed by id.
func (m MatchRecord) ListKey() string { return m.ID }

// Counterpart returns the participant that is not self.
func (m MatchRecord) Counterpart(self UserID) (UserID, bool) {
	for _, u := range m.Users {
		if u != self {
			return u, true
		}
	}
	return "", false
}

// Involves reports whether the record's users are exactly {a, b}.
func (m MatchRecord) Involves(a, b UserID) bool {
	if len(m.Users) != 2 {
		return false
	}
	return (m.Users[0] == a && m.Users[1] == b) || (m.Users[0] == b && m.Users[1] == a)
}

// Valid reports whether the record satisfies the two-distinct-users invariant.
func (m MatchRecord) Valid() bool {
	return m.ID != "" && len(m.Users) == 2 && m.Users[0] != m.Users[1] && m.Users[0] != "" && m.Users[1] != ""
}

// snapshotOf builds the display fields that owner stores about other.
func snapshotOf(id string, owner UserID, other *UserProfile, createdAt time.Time) MatchRecord {
	return MatchRecord{
		ID:        id,
		Users:     []UserID{owner, other.ID},
		Username:  other.Username,
		FirstName: other.FirstName,
		Age:       other.Age,
		Gender:    other.Gender,
		CreatedAt: createdAt,
	}
}
