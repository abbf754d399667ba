package main

import (
	"time"

	"github.com/agouch/outdora/backend/matching"
)

// profileView is the public part of a profile shown to other users.
type profileView struct {
	ID          matching.UserID   `json:"id"`
	Username    string            `json:"username"`
	FirstName   string            `json:"firstname"`
	Age         int               `json:"age"`
	Gender      string            `json:"gender,omitempty"`
	Activity    string            `json:"activity,omitempty"`
	AgeBracket  string            `json:"ageBracket,omitempty"`
	Region      string            `json:"region,omitempty"`
	SkillLevels map[string]string `json:"skillLevels,omitempty"`
	// DistanceMiles is set on feed entries when both sides have a location.
	DistanceMiles *float64 `json:"distanceMiles,omitempty"`
	Online        bool     `json:"online"`
}

func publicProfile(p matching.UserProfile) profileView {
	return profileView{
		ID:          p.ID,
		Username:    p.Username,
		FirstName:   p.FirstName,
		Age:         p.Age,
		Gender:      p.Gender,
		Activity:    p.Activity,
		AgeBracket:  p.AgeBracket,
		Region:      p.Region,
		SkillLevels: p.SkillLevels,
	}
}

// matchView describes a match from the caller's side.
type matchView struct {
	ID        string          `json:"id"`
	UserID    matching.UserID `json:"userId"`
	Username  string          `json:"username"`
	FirstName string          `json:"firstname"`
	Age       int             `json:"age"`
	Gender    string          `json:"gender,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Online    bool            `json:"online"`
	// Unavailable marks a match whose counterpart profile no longer exists.
	Unavailable bool `json:"unavailable,omitempty"`
}

func viewOfMatch(me matching.UserID, m matching.MatchRecord) matchView {
	other, _ := m.Counterpart(me)
	return matchView{
		ID:        m.ID,
		UserID:    other,
		Username:  m.Username,
		FirstName: m.FirstName,
		Age:       m.Age,
		Gender:    m.Gender,
		CreatedAt: m.CreatedAt,
	}
}

// refresh replaces the stored snapshot with the counterpart's current display fields.
func (v *matchView) refresh(p *matching.UserProfile) {
	v.Username = p.Username
	v.FirstName = p.FirstName
	v.Age = p.Age
	v.Gender = p.Gender
}

type swipeRequest struct {
	TargetID  string `json:"target_id" validate:"required,max=128"`
	Direction string `json:"direction" validate:"required,oneof=left right"`
}

type swipeResponse struct {
	Outcome matching.Outcome `json:"outcome"`
	Match   *matchView       `json:"match,omitempty"`
	Notice  string           `json:"notice,omitempty"`
}

type messageRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}
