package prompt

import (
	"strings"
	"unicode"
)

// leakWindow is the number of consecutive guidance words that count as a quote.
const leakWindow = 5

// LeaksGuidance reports whether reply quotes any confidential guidance.
func LeaksGuidance(reply string, guidance []string) bool {
	replyWords := words(reply)
	if len(replyWords) == 0 {
		return false
	}
	haystack := " " + strings.Join(replyWords, " ") + " "
	for _, g := range guidance {
		gw := words(g)
		if len(gw) == 0 {
			continue
		}
		if len(gw) < leakWindow {
			if len(gw) >= 3 && strings.Contains(haystack, " "+strings.Join(gw, " ")+" ") {
				return true
			}
			continue
		}
		for i := 0; i+leakWindow <= len(gw); i++ {
			if strings.Contains(haystack, " "+strings.Join(gw[i:i+leakWindow], " ")+" ") {
				return true
			}
		}
	}
	return false
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
