// Package store holds the profile document codec shared by the ProfileStore adapters.
// Documents written by older clients use the preference field names of the original
// preferences screen; they are translated here so the matching core only ever sees
// the normalized shape.
package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/agouch/outdora/backend/matching"
)

// document is the stored JSON shape, including the legacy spellings.
type document struct {
	ID        matching.UserID `json:"id"`
	Username  string          `json:"username"`
	FirstName string          `json:"firstname"`
	Age       flexInt         `json:"age"`

	Gender          string                `json:"gender"`
	PreferredGender string                `json:"preferredGender,omitempty"`
	Activity        string                `json:"activity,omitempty"`
	AgeBracket      string                `json:"ageBracket,omitempty"`
	Region          string                `json:"region,omitempty"`
	Location        *matching.Coordinates `json:"location,omitempty"`
	RangeMiles      float64               `json:"rangeMiles,omitempty"`
	SkillLevels     map[string]string     `json:"skillLevels,omitempty"`

	LegacyGender   string `json:"selectedGender,omitempty"`
	LegacyActivity string `json:"selectedActivity,omitempty"`
	LegacyAge      string `json:"selectedAge,omitempty"`
	LegacyRegion   string `json:"selectedRegion,omitempty"`

	RejectedUsers []matching.UserID      `json:"rejectedUsers"`
	RightSwipes   []matching.UserID      `json:"rightSwipes"`
	Matches       []matching.MatchRecord `json:"matches"`
}

// legacyKeys maps the preference fields written by older clients to their current names.
var legacyKeys = map[string]string{
	"selectedGender":   "preferredGender",
	"selectedActivity": "activity",
	"selectedAge":      "ageBracket",
	"selectedRegion":   "region",
}

// flexInt accepts ages stored as numbers or as numeric strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("age %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// Decode parses a stored document. id wins over an id embedded in the body.
func Decode(id matching.UserID, data []byte) (*matching.UserProfile, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", id, err)
	}
	if id != "" {
		doc.ID = id
	}
	return doc.profile(), nil
}

func (d document) profile() *matching.UserProfile {
	p := &matching.UserProfile{
		ID:        d.ID,
		Username:  d.Username,
		FirstName: d.FirstName,
		Age:       int(d.Age),
		Attributes: matching.Attributes{
			Gender:          d.Gender,
			PreferredGender: d.PreferredGender,
			Activity:        d.Activity,
			AgeBracket:      d.AgeBracket,
			Region:          d.Region,
			Location:        d.Location,
			RangeMiles:      d.RangeMiles,
			SkillLevels:     d.SkillLevels,
		},
		RejectedUsers: d.RejectedUsers,
		RightSwipes:   d.RightSwipes,
		Matches:       d.Matches,
	}
	Normalize(p, Legacy{
		PreferredGender: d.LegacyGender,
		Activity:        d.LegacyActivity,
		AgeBracket:      d.LegacyAge,
		Region:          d.LegacyRegion,
	})
	return p
}

// Legacy holds the preference values older clients stored under selected* names.
type Legacy struct {
	PreferredGender string
	Activity        string
	AgeBracket      string
	Region          string
}

// Normalize fills attributes missing from p with their legacy values and lowercases
// genders. Current values win over legacy ones.
func Normalize(p *matching.UserProfile, legacy Legacy) {
	p.Gender = normalizeGender(p.Gender)
	p.PreferredGender = normalizeGender(firstNonEmpty(p.PreferredGender, legacy.PreferredGender))
	p.Activity = firstNonEmpty(p.Activity, legacy.Activity)
	p.AgeBracket = firstNonEmpty(p.AgeBracket, legacy.AgeBracket)
	p.Region = firstNonEmpty(p.Region, legacy.Region)
}

// Encode renders p in the normalized document shape. Legacy fields are never written.
func Encode(p *matching.UserProfile) ([]byte, error) {
	doc := document{
		ID:              p.ID,
		Username:        p.Username,
		FirstName:       p.FirstName,
		Age:             flexInt(p.Age),
		Gender:          p.Gender,
		PreferredGender: p.PreferredGender,
		Activity:        p.Activity,
		AgeBracket:      p.AgeBracket,
		Region:          p.Region,
		Location:        p.Location,
		RangeMiles:      p.RangeMiles,
		SkillLevels:     p.SkillLevels,
		RejectedUsers:   orEmpty(p.RejectedUsers),
		RightSwipes:     orEmpty(p.RightSwipes),
		Matches:         orEmpty(p.Matches),
	}
	return json.Marshal(doc)
}

// Clone returns a deep copy of p.
func Clone(p *matching.UserProfile) *matching.UserProfile {
	data, err := Encode(p)
	if err != nil {
		panic(fmt.Sprintf("store: clone profile %s: %v", p.ID, err))
	}
	out, err := Decode(p.ID, data)
	if err != nil {
		panic(fmt.Sprintf("store: clone profile %s: %v", p.ID, err))
	}
	return out
}

// FieldUpdates validates a partial document and rewrites legacy keys to their
// current names. Set-valued lists and the id cannot be written this way.
func FieldUpdates(fields matching.Fields) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for key, v := range fields {
		if ValidList(matching.ListName(key)) {
			return nil, matching.New(matching.CodeInvalidState, "list fields are changed with list operations: "+key)
		}
		if key == "id" || key == "_id" {
			return nil, matching.New(matching.CodeInvalidState, "profile id cannot be changed")
		}
		if canonical, ok := legacyKeys[key]; ok {
			key = canonical
		}
		out[key] = v
	}
	return out, nil
}

// MergeFields applies a partial document to p.
func MergeFields(p *matching.UserProfile, fields matching.Fields) (*matching.UserProfile, error) {
	updates, err := FieldUpdates(fields)
	if err != nil {
		return nil, err
	}
	data, err := Encode(p)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for k, v := range updates {
		raw[k] = v
	}
	data, err = json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return Decode(p.ID, data)
}

// AppendToList adds value to the named list of p unless an element with the same key
// is present. It reports whether p changed.
func AppendToList(p *matching.UserProfile, list matching.ListName, value matching.ListValue) (bool, error) {
	key := value.ListKey()
	switch list {
	case matching.ListRejectedUsers, matching.ListRightSwipes:
		id, ok := value.(matching.UserID)
		if !ok {
			return false, matching.New(matching.CodeInvalidState, fmt.Sprintf("list %s holds user ids, got %T", list, value))
		}
		ids := userList(p, list)
		if slices.Contains(*ids, id) {
			return false, nil
		}
		*ids = append(*ids, id)
		return true, nil
	case matching.ListMatches:
		m, ok := value.(matching.MatchRecord)
		if !ok {
			return false, matching.New(matching.CodeInvalidState, fmt.Sprintf("list %s holds match records, got %T", list, value))
		}
		if slices.ContainsFunc(p.Matches, func(x matching.MatchRecord) bool { return x.ListKey() == key }) {
			return false, nil
		}
		p.Matches = append(p.Matches, m)
		return true, nil
	default:
		return false, matching.New(matching.CodeInvalidState, "unknown list "+string(list))
	}
}

// RemoveFromList drops every element of the named list whose key equals key.
func RemoveFromList(p *matching.UserProfile, list matching.ListName, key string) (bool, error) {
	switch list {
	case matching.ListRejectedUsers, matching.ListRightSwipes:
		ids := userList(p, list)
		before := len(*ids)
		*ids = slices.DeleteFunc(*ids, func(x matching.UserID) bool { return x.ListKey() == key })
		return len(*ids) != before, nil
	case matching.ListMatches:
		before := len(p.Matches)
		p.Matches = slices.DeleteFunc(p.Matches, func(x matching.MatchRecord) bool { return x.ListKey() == key })
		return len(p.Matches) != before, nil
	default:
		return false, matching.New(matching.CodeInvalidState, "unknown list "+string(list))
	}
}

// ValidList reports whether list names a set-valued profile field.
func ValidList(list matching.ListName) bool {
	switch list {
	case matching.ListRejectedUsers, matching.ListRightSwipes, matching.ListMatches:
		return true
	}
	return false
}

func userList(p *matching.UserProfile, list matching.ListName) *[]matching.UserID {
	if list == matching.ListRejectedUsers {
		return &p.RejectedUsers
	}
	return &p.RightSwipes
}

func normalizeGender(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
