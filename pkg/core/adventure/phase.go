package adventure

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type PhaseName string

const (
	PhaseIntro       PhaseName = "INTRO"
	PhaseGameRound   PhaseName = "GAME_ROUND"
	PhaseAvatarBreak PhaseName = "AVATAR_BREAK"
	PhaseCelebration PhaseName = "CELEBRATION"
)

// Phase is the coarse position in the adventure flow. Round is set for
// GAME_ROUND and AVATAR_BREAK.
type Phase struct {
	Name  PhaseName `json:"name"`
	Round int       `json:"round,omitempty"`
}

func (p Phase) String() string {
	if p.Name == PhaseGameRound || p.Name == PhaseAvatarBreak {
		return fmt.Sprintf("%s(%d)", p.Name, p.Round)
	}
	return string(p.Name)
}

// PhaseOf derives the phase from a state.
func PhaseOf(s State) Phase {
	switch {
	case s.IsAdventureComplete || s.InteractionType == InteractionCelebrate:
		return Phase{Name: PhaseCelebration}
	case s.InteractionType == InteractionMiniGame && s.MiniGame != nil:
		return Phase{Name: PhaseGameRound, Round: s.MiniGame.Round}
	case s.Round == 0:
		return Phase{Name: PhaseIntro}
	default:
		return Phase{Name: PhaseAvatarBreak, Round: s.Round}
	}
}

// GameResult is the outcome of one mini-game round, reported by the client
// as a tag inside an ordinary text message.
type GameResult struct {
	Round      int  `json:"round"`
	Score      int  `json:"score"`
	Total      int  `json:"total"`
	StarEarned bool `json:"starEarned"`
}

var gameResultTag = regexp.MustCompile(`\[GAME_RESULT\s+([^\]]*)\]`)

// Tag renders the result in the form ParseGameResult accepts.
func (r GameResult) Tag() string {
	return fmt.Sprintf("[GAME_RESULT round=%d score=%d total=%d star=%t]", r.Round, r.Score, r.Total, r.StarEarned)
}

// Narration is the note handed to the dialogue model in place of the raw tag.
func (r GameResult) Narration() string {
	outcome := "no star this time"
	if r.StarEarned {
		outcome = "earned a star"
	}
	return fmt.Sprintf("(The child finished mini-game round %d with %d out of %d and %s.)", r.Round, r.Score, r.Total, outcome)
}

// ParseGameResult extracts the first game-result tag from text.
func ParseGameResult(text string) (GameResult, bool) {
	m := gameResultTag.FindStringSubmatch(text)
	if m == nil {
		return GameResult{}, false
	}
	var r GameResult
	seen := map[string]bool{}
	for _, field := range strings.Fields(m[1]) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "round", "score", "total":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return GameResult{}, false
			}
			switch strings.ToLower(key) {
			case "round":
				r.Round = n
			case "score":
				r.Score = n
			case "total":
				r.Total = n
			}
		case "star", "starearned":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return GameResult{}, false
			}
			r.StarEarned = b
		default:
			continue
		}
		seen[strings.ToLower(key)] = true
	}
	if !seen["round"] || r.Round <= 0 {
		return GameResult{}, false
	}
	return r, true
}

// StripGameResult removes game-result tags from text.
func StripGameResult(text string) string {
	return strings.TrimSpace(gameResultTag.ReplaceAllString(text, ""))
}
