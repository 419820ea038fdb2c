package speech

import "strings"

// SelectVoice returns the first voice whose name contains a preferred token,
// trying tokens in order. ok is false when nothing matches and the host
// default should be used.
func SelectVoice(voices []Voice, preferred []string) (Voice, bool) {
	for _, token := range preferred {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		for _, v := range voices {
			if strings.Contains(strings.ToLower(v.Name), token) {
				return v, true
			}
		}
	}
	return Voice{}, false
}
