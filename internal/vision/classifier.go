package vision

import (
	"strings"

	"golang.org/x/text/cases"
)

// visualTerms are matched as case-folded substrings of the request text.
var visualTerms = []string{
	// perception
	"see", "look", "watch", "show", "visible", "describe", "picture", "image", "photo", "camera", "how",
	// spatial
	"behind", "front", "left", "right", "above", "below", "around",
	// appearance
	"color", "colour", "wearing", "holding", "appearance", "face", "hand", "gesture", "posture", "expression",
	// scene
	"object", "room", "background",
	// actions
	"doing", "reading", "watching", "pointing",
}

// NeedsVision reports whether text looks like it asks about what the camera
// sees. It is a keyword heuristic: common words such as "how" produce false
// positives and paraphrased visual questions can be missed. Callers still
// require an enabled camera and a successful capture before attaching a frame.
func NeedsVision(text string) bool {
	folded := cases.Fold().String(text)
	for _, term := range visualTerms {
		if strings.Contains(folded, term) {
			return true
		}
	}
	return false
}
