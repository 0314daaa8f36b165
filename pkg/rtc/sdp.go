package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"

	"peercounsel/pkg/session"
)

// ErrMalformedDescription wraps every validation failure.
var ErrMalformedDescription = errors.New("malformed session description")

// ValidateDescription checks that d is a parseable description of the wanted
// type ("offer" or "answer") carrying at least one media section.
func ValidateDescription(d *session.Description, want string) error {
	if d == nil {
		return fmt.Errorf("%w: missing %s", ErrMalformedDescription, want)
	}
	if d.Type != want {
		return fmt.Errorf("%w: type %q, want %q", ErrMalformedDescription, d.Type, want)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.Payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", ErrMalformedDescription)
	}
	return nil
}
