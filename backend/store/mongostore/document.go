package mongostore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/store"
)

// profileDoc is the BSON shape of a profile, legacy preference names included.
type profileDoc struct {
	ID        string `bson:"_id"`
	Username  string `bson:"username,omitempty"`
	FirstName string `bson:"firstname,omitempty"`
	Age       age    `bson:"age,omitempty"`

	Gender          string            `bson:"gender,omitempty"`
	PreferredGender string            `bson:"preferredGender,omitempty"`
	Activity        string            `bson:"activity,omitempty"`
	AgeBracket      string            `bson:"ageBracket,omitempty"`
	Region          string            `bson:"region,omitempty"`
	Location        *locationDoc      `bson:"location,omitempty"`
	RangeMiles      float64           `bson:"rangeMiles,omitempty"`
	SkillLevels     map[string]string `bson:"skillLevels,omitempty"`

	LegacyGender   string `bson:"selectedGender,omitempty"`
	LegacyActivity string `bson:"selectedActivity,omitempty"`
	LegacyAge      string `bson:"selectedAge,omitempty"`
	LegacyRegion   string `bson:"selectedRegion,omitempty"`

	RejectedUsers []string   `bson:"rejectedUsers"`
	RightSwipes   []string   `bson:"rightSwipes"`
	Matches       []matchDoc `bson:"matches"`
}

// age is written as an integer but read from any numeric type or a numeric
// string, the form older clients stored.
type age int

func (a *age) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	v := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Int32:
		*a = age(v.Int32())
	case bsontype.Int64:
		*a = age(v.Int64())
	case bsontype.Double:
		*a = age(v.Double())
	case bsontype.String:
		s := strings.TrimSpace(v.StringValue())
		if s == "" {
			*a = 0
			return nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("age %q: %w", s, err)
		}
		*a = age(n)
	case bsontype.Null, bsontype.Undefined:
		*a = 0
	default:
		return fmt.Errorf("age: unsupported BSON type %s", t)
	}
	return nil
}

type locationDoc struct {
	Lat float64 `bson:"lat"`
	Lon float64 `bson:"lon"`
}

type matchDoc struct {
	ID        string    `bson:"id"`
	Users     []string  `bson:"users,omitempty"`
	Username  string    `bson:"username,omitempty"`
	FirstName string    `bson:"firstname,omitempty"`
	Age       age       `bson:"age,omitempty"`
	Gender    string    `bson:"gender,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (d profileDoc) profile() *matching.UserProfile {
	p := &matching.UserProfile{
		ID:        matching.UserID(d.ID),
		Username:  d.Username,
		FirstName: d.FirstName,
		Age:       int(d.Age),
		Attributes: matching.Attributes{
			Gender:          d.Gender,
			PreferredGender: d.PreferredGender,
			Activity:        d.Activity,
			AgeBracket:      d.AgeBracket,
			Region:          d.Region,
			RangeMiles:      d.RangeMiles,
			SkillLevels:     d.SkillLevels,
		},
		RejectedUsers: toUserIDs(d.RejectedUsers),
		RightSwipes:   toUserIDs(d.RightSwipes),
	}
	if d.Location != nil {
		p.Location = &matching.Coordinates{Lat: d.Location.Lat, Lon: d.Location.Lon}
	}
	for _, m := range d.Matches {
		p.Matches = append(p.Matches, matching.MatchRecord{
			ID:        m.ID,
			Users:     toUserIDs(m.Users),
			Username:  m.Username,
			FirstName: m.FirstName,
			Age:       int(m.Age),
			Gender:    m.Gender,
			CreatedAt: m.CreatedAt,
		})
	}
	store.Normalize(p, store.Legacy{
		PreferredGender: d.LegacyGender,
		Activity:        d.LegacyActivity,
		AgeBracket:      d.LegacyAge,
		Region:          d.LegacyRegion,
	})
	return p
}

func fromProfile(p *matching.UserProfile) profileDoc {
	d := profileDoc{
		ID:              string(p.ID),
		Username:        p.Username,
		FirstName:       p.FirstName,
		Age:             age(p.Age),
		Gender:          p.Gender,
		PreferredGender: p.PreferredGender,
		Activity:        p.Activity,
		AgeBracket:      p.AgeBracket,
		Region:          p.Region,
		RangeMiles:      p.RangeMiles,
		SkillLevels:     p.SkillLevels,
		RejectedUsers:   fromUserIDs(p.RejectedUsers),
		RightSwipes:     fromUserIDs(p.RightSwipes),
		Matches:         make([]matchDoc, 0, len(p.Matches)),
	}
	if p.Location != nil {
		d.Location = &locationDoc{Lat: p.Location.Lat, Lon: p.Location.Lon}
	}
	for _, m := range p.Matches {
		d.Matches = append(d.Matches, fromMatch(m))
	}
	return d
}

func fromMatch(m matching.MatchRecord) matchDoc {
	return matchDoc{
		ID:        m.ID,
		Users:     fromUserIDs(m.Users),
		Username:  m.Username,
		FirstName: m.FirstName,
		Age:       age(m.Age),
		Gender:    m.Gender,
		CreatedAt: m.CreatedAt,
	}
}

func toUserIDs(ids []string) []matching.UserID {
	if ids == nil {
		return nil
	}
	out := make([]matching.UserID, len(ids))
	for i, id := range ids {
		out[i] = matching.UserID(id)
	}
	return out
}

func fromUserIDs(ids []matching.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
