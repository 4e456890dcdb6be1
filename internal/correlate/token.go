package correlate

import "strings"

// Markers that ad platforms prepend to the click token embedded in the
// prefilled first message of a click-to-message flow.
var tokenMarkers = []string{"ref:", "ctwa:"}

// ExtractClickToken pulls a click token out of an inbound message text.
// Tokens ride along as "ref:<token>" or "ctwa:<token>" anywhere in the
// text; the token itself is an opaque run of URL-safe characters.
func ExtractClickToken(text string) string {
	lower := strings.ToLower(text)
	for _, marker := range tokenMarkers {
		i := strings.Index(lower, marker)
		if i < 0 {
			continue
		}
		rest := text[i+len(marker):]
		end := 0
		for end < len(rest) && isTokenByte(rest[end]) {
			end++
		}
		if end >= 6 {
			return rest[:end]
		}
	}
	return ""
}

func isTokenByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_':
		return true
	}
	return false
}
