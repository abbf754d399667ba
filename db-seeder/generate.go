package main

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/agouch/outdora/backend/matching"
)

var (
	activities  = []string{"hiking", "climbing", "trail running", "kayaking", "mountain biking", "skiing"}
	ageBrackets = []string{"18-24", "25-34", "35-44", "45+"}
	skills      = []string{"beginner", "intermediate", "advanced"}
)

// regions are seeded around real cities so that range filtering has something to do.
var regions = []struct {
	Name     string
	Lat, Lon float64
}{
	{"Helsinki", 60.1699, 24.9384},
	{"Tampere", 61.4978, 23.7610},
	{"Turku", 60.4518, 22.2666},
	{"Oulu", 65.0121, 25.4651},
	{"Jyväskylä", 62.2426, 25.7473},
}

type graphRates struct {
	Match   float64 // proportion of pairs that are mutual matches
	Like    float64 // proportion of pairs with a one-sided pending like
	Reject  float64 // proportion of pairs with a rejection
	Partial float64 // proportion of matches written on one side only
}

// generate builds n profiles and a swipe graph between them. The first two
// profiles are fixed test users who are matched with each other.
func generate(f *gofakeit.Faker, n int, rates graphRates, now time.Time) []*matching.UserProfile {
	profiles := make([]*matching.UserProfile, n)
	for i := range profiles {
		profiles[i] = fakeProfile(f, i)
	}
	if n >= 2 {
		link(profiles[0], profiles[1], "seed-match-0001", now, false)
	}

	matchSeq := 1
	for i := 2; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := profiles[i], profiles[j]
			if f.Bool() {
				a, b = b, a
			}
			switch x := f.Float64(); {
			case x < rates.Match:
				matchSeq++
				link(a, b, fmt.Sprintf("seed-match-%04d", matchSeq), now.Add(-time.Duration(f.Number(1, 14*24))*time.Hour), f.Float64() < rates.Partial)
			case x < rates.Match+rates.Like:
				a.RightSwipes = append(a.RightSwipes, b.ID)
			case x < rates.Match+rates.Like+rates.Reject:
				a.RejectedUsers = append(a.RejectedUsers, b.ID)
			}
		}
	}
	return profiles
}

func fakeProfile(f *gofakeit.Faker, i int) *matching.UserProfile {
	region := regions[f.Number(0, len(regions)-1)]
	gender := f.Gender()
	preferred := "male"
	if f.Bool() {
		preferred = "female"
	}
	activity := f.RandomString(activities)

	return &matching.UserProfile{
		ID:        matching.UserID(fmt.Sprintf("user%d", i+1)),
		Username:  f.Username(),
		FirstName: f.FirstName(),
		Age:       f.Number(18, 60),
		Attributes: matching.Attributes{
			Gender:          gender,
			PreferredGender: preferred,
			Activity:        activity,
			AgeBracket:      f.RandomString(ageBrackets),
			Region:          region.Name,
			Location: &matching.Coordinates{
				Lat: region.Lat + f.Float64Range(-0.1, 0.1),
				Lon: region.Lon + f.Float64Range(-0.1, 0.1),
			},
			RangeMiles:  float64(f.Number(10, 150)),
			SkillLevels: map[string]string{activity: f.RandomString(skills)},
		},
	}
}

// link writes mirrored match records on a and b. A partial link leaves b's copy
// out together with a's pending like, the state an interrupted swipe leaves behind.
func link(a, b *matching.UserProfile, id string, at time.Time, partial bool) {
	a.Matches = append(a.Matches, record(id, a, b, at))
	if partial {
		a.RightSwipes = append(a.RightSwipes, b.ID)
		return
	}
	b.Matches = append(b.Matches, record(id, b, a, at))
}

func record(id string, owner, other *matching.UserProfile, at time.Time) matching.MatchRecord {
	return matching.MatchRecord{
		ID:        id,
		Users:     []matching.UserID{owner.ID, other.ID},
		Username:  other.Username,
		FirstName: other.FirstName,
		Age:       other.Age,
		Gender:    other.Gender,
		CreatedAt: at.UTC(),
	}
}
