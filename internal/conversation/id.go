// Package conversation derives the identifier shared by the two
// participants of a private conversation.
//
// The id is computed, never negotiated: both sides sort the pair of
// participant ids byte-wise and join them with Delimiter, so
// DeriveID(a, b) == DeriveID(b, a) without any server round trip. The id
// is only a tag on message records; there is no conversation entity.
//
// Known limitation: if a participant id contains Delimiter, two distinct
// pairs can map to the same id ("a_b"+"c" vs "a"+"b_c"). Callers that
// accept ids from outside should check ValidParticipantID first.
package conversation

import "strings"

const Delimiter = "_"

// DeriveID returns the canonical id of the conversation between a and b.
// A self pair is allowed and yields "x_x".
func DeriveID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Delimiter + b
}

// Counterpart returns the participant of the pair that is not viewer. For
// a self pair the viewer is its own counterpart.
func Counterpart(a, b, viewer string) (string, bool) {
	switch viewer {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}

// ValidParticipantID reports whether id can take part in a derived id
// without ambiguity.
func ValidParticipantID(id string) bool {
	return id != "" && !strings.Contains(id, Delimiter)
}
