package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectDispatch    = "querypipe.dispatch"
	SubjectInvoke      = "querypipe.invoke.v1"
	SubjectChangeEvent = "querypipe.changed"
)

// BuildDispatchSubject maps a message type onto a single subject token under
// base. Characters outside [A-Za-z0-9_-] become "_", so distinct types may
// share a subject and receivers must compare the decoded type.
func BuildDispatchSubject(base, typ string) string {
	return fmt.Sprintf("%s.%s", base, sanitizeToken(typ))
}

// BuildChangeSubject builds a granular change event subject.
func BuildChangeSubject(base, table, id string) string {
	return fmt.Sprintf("%s.%s.%s", base, sanitizeToken(table), sanitizeToken(id))
}

func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
