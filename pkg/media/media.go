// Package media stores synthesized audio and hands back a URL clients can fetch.
package media

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/oklog/ulid/v2"
)

// Uploader persists one audio object. An empty URL with a nil error means the
// caller should inline the audio instead.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Inline never stores anything; responses carry base64 audio instead.
type Inline struct{}

func (Inline) Upload(context.Context, string, []byte, string) (string, error) { return "", nil }

// AudioKey builds an object key grouped by conversation and day.
func AudioKey(conversationID, messageID, ext string, now time.Time) string {
	if messageID == "" {
		messageID = ulid.Make().String()
	}
	if ext == "" {
		ext = "mp3"
	}
	return path.Join("audio", now.UTC().Format("2006/01/02"), conversationID, fmt.Sprintf("%s.%s", messageID, ext))
}
