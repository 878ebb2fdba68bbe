package extract

import (
	"errors"
	"fmt"
)

// Reason classifies an extraction failure.
type Reason string

const (
	// Malformed means no usable record could be recovered.
	Malformed Reason = "malformed"
	// PartiallyMalformed means some records were dropped; the valid subset is
	// returned alongside the error.
	PartiallyMalformed Reason = "partially_malformed"
)

// Error is returned by Normalize when records had to be dropped.
type Error struct {
	Reason       Reason
	ValidCount   int
	DroppedCount int
	Detail       string
}

func (e *Error) Error() string {
	switch e.Reason {
	case PartiallyMalformed:
		return fmt.Sprintf("extraction partially malformed: %d valid, %d dropped", e.ValidCount, e.DroppedCount)
	default:
		if e.Detail != "" {
			return "extraction malformed: " + e.Detail
		}
		return "extraction malformed: no valid records"
	}
}

// IsPartial reports whether err is a PartiallyMalformed extraction error.
func IsPartial(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Reason == PartiallyMalformed
}

// ErrEmptyOutput is returned when the extractor produced no content at all.
var ErrEmptyOutput = errors.New("extractor returned empty content")
