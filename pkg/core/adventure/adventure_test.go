package adventure

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ptr[T any](v T) *T { return &v }

func TestMerge_StarsAndSceneNeverDecrease(t *testing.T) {
	prev := Initial()
	prev.StarsEarned = 2
	prev.SceneIndex = 1

	next, err := Merge(prev, Delta{StarsEarned: ptr(1), SceneIndex: ptr(0)})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if next.StarsEarned != 2 || next.SceneIndex != 1 {
		t.Fatalf("stars=%d scene=%d, want 2 and 1", next.StarsEarned, next.SceneIndex)
	}

	next, err = Merge(next, Delta{StarsEarned: ptr(3), SceneIndex: ptr(2)})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if next.StarsEarned != 3 || next.SceneIndex != 2 {
		t.Fatalf("stars=%d scene=%d, want 3 and 2", next.StarsEarned, next.SceneIndex)
	}
}

func TestMerge_RejectsOutOfRange(t *testing.T) {
	prev := Initial()
	cases := []Delta{
		{StarsEarned: ptr(4)},
		{StarsEarned: ptr(-1)},
		{SceneIndex: ptr(3)},
		{InteractionType: ptr(InteractionType("dance"))},
	}
	for _, d := range cases {
		got, err := Merge(prev, d)
		if !errors.Is(err, ErrInvalidDelta) {
			t.Fatalf("Merge(%+v) error = %v, want ErrInvalidDelta", d, err)
		}
		if diff := cmp.Diff(prev, got); diff != "" {
			t.Fatalf("rejected merge changed state (-want +got):\n%s", diff)
		}
	}
}

func TestMerge_ChoicesIffChoiceInteraction(t *testing.T) {
	prev := Initial()

	if _, err := Merge(prev, Delta{InteractionType: ptr(InteractionChoice)}); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("choice without choices error = %v, want ErrInvalidDelta", err)
	}
	if _, err := Merge(prev, Delta{Choices: []Choice{{ID: "a", Label: "Cave"}}}); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("choices under voice interaction error = %v, want ErrInvalidDelta", err)
	}

	next, err := Merge(prev, Delta{
		InteractionType: ptr(InteractionChoice),
		Choices:         []Choice{{ID: "a", Label: "Cave"}, {ID: "b", Label: "River"}},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(next.Choices) != 2 {
		t.Fatalf("choices=%v", next.Choices)
	}

	next, err = Merge(next, Delta{
		InteractionType: ptr(InteractionMiniGame),
		MiniGame:        &MiniGame{Type: "counting", Round: 1},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if next.Choices != nil {
		t.Fatalf("choices not cleared on switch to miniGame: %v", next.Choices)
	}
	if next.MiniGame == nil || next.Round != 1 {
		t.Fatalf("miniGame=%v round=%d", next.MiniGame, next.Round)
	}
}

func TestMerge_CompletionIsTerminalExceptCollectible(t *testing.T) {
	prev := Initial()
	done, err := Merge(prev, Delta{
		StarsEarned:         ptr(3),
		InteractionType:     ptr(InteractionCelebrate),
		IsAdventureComplete: ptr(true),
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if _, err := Merge(done, Delta{SceneName: ptr("Again")}); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("post-completion delta error = %v, want ErrInvalidDelta", err)
	}

	withPrize, err := Merge(done, Delta{Collectible: &Collectible{ID: "shell", Name: "Golden Shell"}, SceneName: ptr("ignored")})
	if err != nil {
		t.Fatalf("collectible merge error = %v", err)
	}
	if withPrize.Collectible == nil || withPrize.Collectible.ID != "shell" {
		t.Fatalf("collectible=%v", withPrize.Collectible)
	}
	if withPrize.SceneName != done.SceneName {
		t.Fatalf("collectible delta applied other fields: scene=%q", withPrize.SceneName)
	}

	if _, err := Merge(withPrize, Delta{Collectible: &Collectible{ID: "other"}}); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("second collectible error = %v, want ErrInvalidDelta", err)
	}
}

func TestMerge_GameResultIsIdempotent(t *testing.T) {
	prev := Initial()
	res := &GameResult{Round: 1, Score: 4, Total: 5, StarEarned: true}

	once, err := Merge(prev, Delta{GameResult: res})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	twice, err := Merge(once, Delta{GameResult: res})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if once.StarsEarned != 1 || twice.StarsEarned != 1 {
		t.Fatalf("stars once=%d twice=%d, want 1 and 1", once.StarsEarned, twice.StarsEarned)
	}
	if !twice.HasResult(1) {
		t.Fatalf("round 1 not recorded")
	}
}

func TestMerge_GameResultAndModelStarsDoNotDoubleCount(t *testing.T) {
	prev := Initial()
	prev.StarsEarned = 1
	next, err := Merge(prev, Delta{
		GameResult:  &GameResult{Round: 2, Score: 3, Total: 3, StarEarned: true},
		StarsEarned: ptr(2),
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if next.StarsEarned != 2 {
		t.Fatalf("stars=%d, want 2", next.StarsEarned)
	}
}

func TestPhaseOf(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{Initial(), "INTRO"},
		{State{InteractionType: InteractionMiniGame, MiniGame: &MiniGame{Type: "match", Round: 2}, Round: 2}, "GAME_ROUND(2)"},
		{State{InteractionType: InteractionVoice, Round: 2}, "AVATAR_BREAK(2)"},
		{State{InteractionType: InteractionCelebrate, Round: 3}, "CELEBRATION"},
		{State{InteractionType: InteractionVoice, IsAdventureComplete: true}, "CELEBRATION"},
	}
	for _, tc := range cases {
		if got := PhaseOf(tc.state).String(); got != tc.want {
			t.Fatalf("PhaseOf(%+v)=%q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestParseGameResult(t *testing.T) {
	text := "I did it! [GAME_RESULT round=2 score=3 total=5 star=true]"
	got, ok := ParseGameResult(text)
	if !ok {
		t.Fatalf("ParseGameResult() ok=false")
	}
	want := GameResult{Round: 2, Score: 3, Total: 5, StarEarned: true}
	if got != want {
		t.Fatalf("result=%+v, want %+v", got, want)
	}
	if back, ok := ParseGameResult(want.Tag()); !ok || back != want {
		t.Fatalf("tag round trip=%+v ok=%v", back, ok)
	}
	if StripGameResult(text) != "I did it!" {
		t.Fatalf("StripGameResult()=%q", StripGameResult(text))
	}

	for _, bad := range []string{"no tag here", "[GAME_RESULT score=1]", "[GAME_RESULT round=x]", "[GAME_RESULT round=1 star=maybe]"} {
		if _, ok := ParseGameResult(bad); ok {
			t.Fatalf("ParseGameResult(%q) ok=true", bad)
		}
	}
}
