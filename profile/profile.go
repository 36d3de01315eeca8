// Package profile is the local participant's identity: a display name
// kept across sessions and a colour picked per session.
package profile

import (
	"fmt"
	"math/rand/v2"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
)

// PrefKey is where the generated name base is kept.
const PrefKey = "codeeditor-username"

// Prefs is a small persistent key-value store, e.g. store.Store.
type Prefs interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

var Palette = []awareness.Color{
	{Color: "#30bced", Light: "#30bced33"},
	{Color: "#6eeb83", Light: "#6eeb8333"},
	{Color: "#ffbc42", Light: "#ffbc4233"},
	{Color: "#ecd444", Light: "#ecd44433"},
	{Color: "#ee6352", Light: "#ee635233"},
	{Color: "#9ac2c9", Light: "#9ac2c933"},
	{Color: "#8acb88", Light: "#8acb8833"},
	{Color: "#1be7ff", Light: "#1be7ff33"},
}

var Adjectives = []string{
	"Suburban", "Urban", "Rural", "Mountain", "River", "Ocean", "Forest",
	"Desert", "Arctic", "Tropical", "Gnarly", "Blue", "Honest",
}

var Nouns = []string{
	"Eagle", "Lion", "Bear", "Shark", "Tiger", "Elephant", "Wolf", "Fox",
	"Deer", "Owl", "Pilgrim", "Sentinel", "Scion",
}

type Profile struct {
	// Name is the stored base plus a per-session number, "Blue Owl 17".
	Name  awareness.Name
	Color awareness.Color
}

func intn(rnd *rand.Rand, n int) int {
	if rnd == nil {
		return rand.IntN(n)
	}
	return rnd.IntN(n)
}

// Load reads the stored name base, generating and storing one on first
// use. It is the only writer of PrefKey. A nil rnd uses the global
// source.
func Load(prefs Prefs, rnd *rand.Rand) (Profile, error) {
	base, ok, err := prefs.Get(PrefKey)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}
	if !ok || base == "" {
		base = Adjectives[intn(rnd, len(Adjectives))] + " " + Nouns[intn(rnd, len(Nouns))]
		if err := prefs.Set(PrefKey, base); err != nil {
			return Profile{}, fmt.Errorf("save profile: %w", err)
		}
	}
	return Profile{
		Name:  awareness.Name(fmt.Sprintf("%s %d", base, intn(rnd, 100))),
		Color: Palette[intn(rnd, len(Palette))],
	}, nil
}
