package instruction

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/tailormesh/core"
)

// MinLength is the minimum trimmed length, in characters, of a valid document.
const MinLength = 1000

// RequiredMarkers must each appear somewhere in a valid document, matched
// case-insensitively.
var RequiredMarkers = []string{
	"CORE IDENTITY",
	"CONVERSATION",
	"VALUE PROPOSITION",
	"WORKFLOW",
	"TECHNICAL",
}

// ValidationError lists why a document was rejected.
type ValidationError struct {
	Length  int
	Missing []string
}

func (e *ValidationError) Error() string {
	var reasons []string
	if e.Length < MinLength {
		reasons = append(reasons, fmt.Sprintf("instructions are too short (%d characters, minimum %d)", e.Length, MinLength))
	}
	if len(e.Missing) > 0 {
		reasons = append(reasons, "missing required sections: "+strings.Join(e.Missing, ", "))
	}
	return strings.Join(reasons, "; ")
}

// Is makes errors.Is(err, core.ErrInvalidInstructions) hold.
func (e *ValidationError) Is(target error) bool { return target == core.ErrInvalidInstructions }

// Validate checks the length and required markers of text.
func Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	n := utf8.RuneCountInString(trimmed)
	lower := strings.ToLower(trimmed)

	var missing []string
	for _, m := range RequiredMarkers {
		if !strings.Contains(lower, strings.ToLower(m)) {
			missing = append(missing, m)
		}
	}
	if n >= MinLength && len(missing) == 0 {
		return nil
	}
	return &ValidationError{Length: n, Missing: missing}
}
