// Package dialogue defines the dialogue-generation contract and the tolerant
// parsing of structured model replies.
package dialogue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/vango-go/talkbuddy/pkg/core/adventure"
)

const EmotionNeutral = "neutral"

var knownEmotions = map[string]bool{
	"neutral": true, "happy": true, "excited": true, "curious": true,
	"calm": true, "sad": true, "surprised": true, "proud": true,
}

// Turn is one prior message handed to the model.
type Turn struct {
	FromChild bool
	Text      string
}

type Request struct {
	System    string
	History   []Turn
	Utterance string
	Locale    string
}

// Reply is the parsed model output.
type Reply struct {
	Text      string
	Emotion   string
	Metadata  map[string]any
	Adventure *adventure.Delta
	// Structured is false when the model ignored the JSON format and Text
	// holds the raw output.
	Structured bool
}

// Generator produces the avatar's next reply.
type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// ParseReply decodes a structured reply. Anything that is not a JSON object
// with a non-empty text field becomes plain text with a neutral emotion. A
// malformed adventure block is dropped without losing the text.
func ParseReply(raw string) Reply {
	trimmed := strings.TrimSpace(raw)
	plain := Reply{Text: trimmed, Emotion: EmotionNeutral}

	body := stripFences(trimmed)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return plain
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body[start:end+1]), &fields); err != nil {
		return plain
	}
	var text string
	if err := json.Unmarshal(fields["text"], &text); err != nil || strings.TrimSpace(text) == "" {
		return plain
	}

	out := Reply{Text: strings.TrimSpace(text), Emotion: EmotionNeutral, Structured: true}
	var emotion string
	if err := json.Unmarshal(fields["emotion"], &emotion); err == nil {
		if e := strings.ToLower(strings.TrimSpace(emotion)); knownEmotions[e] {
			out.Emotion = e
		}
	}
	if rawMeta, ok := fields["metadata"]; ok {
		var meta map[string]any
		if err := json.Unmarshal(rawMeta, &meta); err == nil && len(meta) > 0 {
			out.Metadata = meta
		}
	}
	if rawAdv, ok := fields["adventure"]; ok && string(rawAdv) != "null" {
		var d adventure.Delta
		if err := json.Unmarshal(rawAdv, &d); err != nil {
			if out.Metadata == nil {
				out.Metadata = map[string]any{}
			}
			out.Metadata["adventure_parse_error"] = err.Error()
		} else if !d.IsZero() {
			out.Adventure = &d
		}
	}
	return out
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
