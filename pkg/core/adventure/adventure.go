// Package adventure holds the per-conversation adventure state and the rules
// for merging model-proposed deltas into it.
package adventure

import (
	"errors"
	"fmt"
	"slices"
)

const (
	MaxStars      = 3
	MaxSceneIndex = 2
)

// ErrInvalidDelta is wrapped by every rejected merge.
var ErrInvalidDelta = errors.New("invalid adventure delta")

type InteractionType string

const (
	InteractionVoice     InteractionType = "voice"
	InteractionChoice    InteractionType = "choice"
	InteractionMiniGame  InteractionType = "miniGame"
	InteractionCelebrate InteractionType = "celebrate"
)

func (t InteractionType) Valid() bool {
	switch t {
	case InteractionVoice, InteractionChoice, InteractionMiniGame, InteractionCelebrate:
		return true
	}
	return false
}

type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Emoji string `json:"emoji,omitempty"`
}

type MiniGame struct {
	Type   string `json:"type"`
	Round  int    `json:"round"`
	Prompt string `json:"prompt,omitempty"`
}

type Collectible struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji,omitempty"`
}

// State is the adventure progress of one conversation.
type State struct {
	SceneIndex          int             `json:"sceneIndex"`
	SceneName           string          `json:"sceneName,omitempty"`
	SceneEmojis         []string        `json:"sceneEmojis,omitempty"`
	InteractionType     InteractionType `json:"interactionType"`
	Choices             []Choice        `json:"choices,omitempty"`
	MiniGame            *MiniGame       `json:"miniGame,omitempty"`
	StarsEarned         int             `json:"starsEarned"`
	IsSceneComplete     bool            `json:"isSceneComplete"`
	IsAdventureComplete bool            `json:"isAdventureComplete"`
	Collectible         *Collectible    `json:"collectible,omitempty"`
	// Round is the highest mini-game round started so far.
	Round int `json:"round"`
	// CompletedRounds lists rounds whose game result has been recorded.
	CompletedRounds []int `json:"completedRounds,omitempty"`
}

// Initial is the state of a freshly opened conversation.
func Initial() State {
	return State{InteractionType: InteractionVoice}
}

// Delta is a partial update proposed by the dialogue model. Nil fields keep
// the previous value.
type Delta struct {
	SceneIndex          *int             `json:"sceneIndex,omitempty"`
	SceneName           *string          `json:"sceneName,omitempty"`
	SceneEmojis         []string         `json:"sceneEmojis,omitempty"`
	InteractionType     *InteractionType `json:"interactionType,omitempty"`
	Choices             []Choice         `json:"choices,omitempty"`
	MiniGame            *MiniGame        `json:"miniGame,omitempty"`
	StarsEarned         *int             `json:"starsEarned,omitempty"`
	IsSceneComplete     *bool            `json:"isSceneComplete,omitempty"`
	IsAdventureComplete *bool            `json:"isAdventureComplete,omitempty"`
	Collectible         *Collectible     `json:"collectible,omitempty"`

	// GameResult is filled by the turn pipeline, never by the model.
	GameResult *GameResult `json:"-"`
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.SceneIndex == nil && d.SceneName == nil && d.SceneEmojis == nil &&
		d.InteractionType == nil && d.Choices == nil && d.MiniGame == nil &&
		d.StarsEarned == nil && d.IsSceneComplete == nil && d.IsAdventureComplete == nil &&
		d.Collectible == nil && d.GameResult == nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDelta, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants of a state.
func Validate(s State) error {
	if s.StarsEarned < 0 || s.StarsEarned > MaxStars {
		return invalid("starsEarned %d out of range", s.StarsEarned)
	}
	if s.SceneIndex < 0 || s.SceneIndex > MaxSceneIndex {
		return invalid("sceneIndex %d out of range", s.SceneIndex)
	}
	if !s.InteractionType.Valid() {
		return invalid("unknown interactionType %q", s.InteractionType)
	}
	if s.InteractionType == InteractionChoice && len(s.Choices) == 0 {
		return invalid("choice interaction without choices")
	}
	if s.InteractionType != InteractionChoice && len(s.Choices) > 0 {
		return invalid("choices present for %s interaction", s.InteractionType)
	}
	if s.InteractionType == InteractionMiniGame && s.MiniGame == nil {
		return invalid("miniGame interaction without miniGame")
	}
	if s.InteractionType != InteractionMiniGame && s.MiniGame != nil {
		return invalid("miniGame present for %s interaction", s.InteractionType)
	}
	return nil
}

// Merge applies d on top of prev. On error prev is returned unchanged.
//
// Stars and scene index never decrease; lower proposals keep the previous
// value. A completed adventure only accepts the delta that awards its
// collectible.
func Merge(prev State, d Delta) (State, error) {
	if prev.IsAdventureComplete {
		if d.Collectible != nil && prev.Collectible == nil {
			next := prev.clone()
			c := *d.Collectible
			next.Collectible = &c
			return next, nil
		}
		if d.IsZero() {
			return prev, nil
		}
		return prev, invalid("adventure already complete")
	}

	if d.StarsEarned != nil && (*d.StarsEarned < 0 || *d.StarsEarned > MaxStars) {
		return prev, invalid("starsEarned %d out of range", *d.StarsEarned)
	}
	if d.SceneIndex != nil && (*d.SceneIndex < 0 || *d.SceneIndex > MaxSceneIndex) {
		return prev, invalid("sceneIndex %d out of range", *d.SceneIndex)
	}
	if d.InteractionType != nil && !d.InteractionType.Valid() {
		return prev, invalid("unknown interactionType %q", *d.InteractionType)
	}

	next := prev.clone()

	if r := d.GameResult; r != nil && !slices.Contains(next.CompletedRounds, r.Round) {
		next.CompletedRounds = append(next.CompletedRounds, r.Round)
		slices.Sort(next.CompletedRounds)
		if r.StarEarned && next.StarsEarned < MaxStars {
			next.StarsEarned++
		}
	}

	if d.StarsEarned != nil && *d.StarsEarned > next.StarsEarned {
		next.StarsEarned = *d.StarsEarned
	}
	if d.SceneIndex != nil && *d.SceneIndex > next.SceneIndex {
		next.SceneIndex = *d.SceneIndex
		next.IsSceneComplete = false
		next.SceneEmojis = nil
	}
	if d.SceneName != nil {
		next.SceneName = *d.SceneName
	}
	if d.SceneEmojis != nil {
		next.SceneEmojis = slices.Clone(d.SceneEmojis)
	}

	if d.InteractionType != nil && *d.InteractionType != next.InteractionType {
		next.InteractionType = *d.InteractionType
		next.Choices = nil
		next.MiniGame = nil
	}
	if d.Choices != nil {
		next.Choices = slices.Clone(d.Choices)
	}
	if d.MiniGame != nil {
		mg := *d.MiniGame
		next.MiniGame = &mg
		if mg.Round > next.Round {
			next.Round = mg.Round
		}
	}
	if d.IsSceneComplete != nil {
		next.IsSceneComplete = *d.IsSceneComplete
	}
	if d.IsAdventureComplete != nil && *d.IsAdventureComplete {
		next.IsAdventureComplete = true
	}
	if d.Collectible != nil {
		c := *d.Collectible
		next.Collectible = &c
	}

	if err := Validate(next); err != nil {
		return prev, err
	}
	return next, nil
}

func (s State) clone() State {
	out := s
	out.SceneEmojis = slices.Clone(s.SceneEmojis)
	out.Choices = slices.Clone(s.Choices)
	out.CompletedRounds = slices.Clone(s.CompletedRounds)
	if s.MiniGame != nil {
		mg := *s.MiniGame
		out.MiniGame = &mg
	}
	if s.Collectible != nil {
		c := *s.Collectible
		out.Collectible = &c
	}
	return out
}

// HasResult reports whether the result for round was already recorded.
func (s State) HasResult(round int) bool {
	return slices.Contains(s.CompletedRounds, round)
}
