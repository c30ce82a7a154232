package timeline

import (
	"fmt"
	"strings"
)

// ValidationError rejects a malformed timeline document before any
// resource is allocated. It carries enough context (layer, track, clip)
// for the job's error message to point at the offending element.
type ValidationError struct {
	LayerID string
	TrackID string
	ClipID  string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("timeline validation")
	if e.LayerID != "" {
		fmt.Fprintf(&b, ": layer %s", e.LayerID)
	}
	if e.TrackID != "" {
		fmt.Fprintf(&b, ": track %s", e.TrackID)
	}
	if e.ClipID != "" {
		fmt.Fprintf(&b, ": clip %s", e.ClipID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	return b.String()
}
