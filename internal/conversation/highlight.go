package conversation

import "unicode/utf16"

// Split divides text at charIndex into the spoken prefix and the unspoken
// suffix. charIndex counts UTF-16 code units, the unit host speech engines
// report. An index inside a multi-unit character moves past it. Negative
// indexes leave everything unspoken; indexes past the end mark it all spoken.
func Split(text string, charIndex int) (spoken, unspoken string) {
	if charIndex <= 0 {
		return "", text
	}
	units := 0
	for i, r := range text {
		if units >= charIndex {
			return text[:i], text[i:]
		}
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		units += n
	}
	return text, ""
}

// Split returns the highlighted halves of m. Messages that are not being
// spoken render entirely unspoken.
func (m Message) Split() (spoken, unspoken string) {
	if m.SpokenCharIndex == nil {
		return "", m.Text
	}
	return Split(m.Text, *m.SpokenCharIndex)
}
