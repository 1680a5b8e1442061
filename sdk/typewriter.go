package talkbuddy

import (
	"strings"
	"sync"
	"time"
)

// DefaultRevealWatchdog is how long text waits for its audio before it is
// shown all at once.
const DefaultRevealWatchdog = 15 * time.Second

// revealShare finishes the reveal slightly before the audio ends.
const revealShare = 0.9

type TypewriterState int

const (
	TypewriterIdle TypewriterState = iota
	TypewriterWaitingForAudio
	TypewriterRevealing
)

func (s TypewriterState) String() string {
	switch s {
	case TypewriterWaitingForAudio:
		return "waiting-for-audio"
	case TypewriterRevealing:
		return "revealing"
	default:
		return "idle"
	}
}

type TypewriterOptions struct {
	Watchdog time.Duration
	// OnUpdate receives the visible prefix after every change. It is called
	// without the typewriter's lock held.
	OnUpdate func(visible string, state TypewriterState)
}

// Typewriter reveals avatar text word by word, paced to its audio duration.
// Text arriving without audio waits until the duration is known or the
// watchdog fires, whichever comes first.
type Typewriter struct {
	watchdog time.Duration
	onUpdate func(string, TypewriterState)

	mu      sync.Mutex
	state   TypewriterState
	words   []string
	visible int
	timer   *time.Timer
	gen     uint64

	// pending is a duration that arrived before its text.
	pending    time.Duration
	hasPending bool
	// unpaced marks a message shown before its duration arrived; the next
	// duration seen while idle is that message's and is dropped.
	unpaced bool
}

func NewTypewriter(opts TypewriterOptions) *Typewriter {
	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultRevealWatchdog
	}
	return &Typewriter{watchdog: opts.Watchdog, onUpdate: opts.OnUpdate}
}

// SetText starts a new message, replacing any reveal in progress. A duration
// that arrived before the text paces it right away.
func (t *Typewriter) SetText(text string) {
	t.mu.Lock()
	t.stopLocked()
	t.words = strings.Fields(text)
	t.visible = 0
	t.unpaced = false
	early, hasEarly := t.pending, t.hasPending
	t.pending, t.hasPending = 0, false
	if len(t.words) == 0 {
		t.state = TypewriterIdle
		t.mu.Unlock()
		t.notify("", TypewriterIdle)
		return
	}
	t.state = TypewriterWaitingForAudio
	gen := t.gen
	t.timer = time.AfterFunc(t.watchdog, func() { t.forceReveal(gen) })
	t.mu.Unlock()
	t.notify("", TypewriterWaitingForAudio)
	if hasEarly {
		t.SetAudioDuration(early)
	}
}

// SetAudioDuration starts the paced reveal of the waiting message. While
// idle the duration is held for the next SetText, unless it is the late
// duration of a message that was already shown.
func (t *Typewriter) SetAudioDuration(d time.Duration) {
	t.mu.Lock()
	switch t.state {
	case TypewriterWaitingForAudio:
	case TypewriterIdle:
		if t.unpaced {
			t.unpaced = false
		} else {
			t.pending, t.hasPending = d, true
		}
		t.mu.Unlock()
		return
	default:
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	remaining := len(t.words) - t.visible
	if d <= 0 || remaining <= 0 {
		t.visible = len(t.words)
		t.state = TypewriterIdle
		text := strings.Join(t.words, " ")
		t.mu.Unlock()
		t.notify(text, TypewriterIdle)
		return
	}
	interval := time.Duration(float64(d) * revealShare / float64(remaining))
	t.state = TypewriterRevealing
	gen := t.gen
	t.mu.Unlock()
	t.notify("", TypewriterRevealing)

	t.mu.Lock()
	if gen == t.gen && t.state == TypewriterRevealing {
		t.timer = time.AfterFunc(interval, func() { t.tick(gen, interval) })
	}
	t.mu.Unlock()
}

// RevealAll shows the whole message now.
func (t *Typewriter) RevealAll() {
	t.mu.Lock()
	t.stopLocked()
	gen := t.gen
	t.mu.Unlock()
	t.forceReveal(gen)
}

// Stop cancels any pending reveal without changing the visible text.
func (t *Typewriter) Stop() {
	t.mu.Lock()
	t.stopLocked()
	if t.state == TypewriterWaitingForAudio {
		t.unpaced = true
	}
	t.state = TypewriterIdle
	t.mu.Unlock()
}

func (t *Typewriter) State() TypewriterState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Visible returns the currently revealed text.
func (t *Typewriter) Visible() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.words[:t.visible], " ")
}

func (t *Typewriter) tick(gen uint64, interval time.Duration) {
	t.mu.Lock()
	if gen != t.gen || t.state != TypewriterRevealing {
		t.mu.Unlock()
		return
	}
	t.visible++
	if t.visible >= len(t.words) {
		t.visible = len(t.words)
		t.state = TypewriterIdle
		t.timer = nil
	} else {
		t.timer = time.AfterFunc(interval, func() { t.tick(gen, interval) })
	}
	text, state := strings.Join(t.words[:t.visible], " "), t.state
	t.mu.Unlock()
	t.notify(text, state)
}

func (t *Typewriter) forceReveal(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state == TypewriterIdle && t.visible == len(t.words) {
		t.mu.Unlock()
		return
	}
	if t.state == TypewriterWaitingForAudio {
		t.unpaced = true
	}
	t.visible = len(t.words)
	t.state = TypewriterIdle
	t.timer = nil
	text := strings.Join(t.words, " ")
	t.mu.Unlock()
	t.notify(text, TypewriterIdle)
}

// stopLocked invalidates pending callbacks by bumping the generation.
func (t *Typewriter) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *Typewriter) notify(text string, state TypewriterState) {
	if t.onUpdate != nil {
		t.onUpdate(text, state)
	}
}
