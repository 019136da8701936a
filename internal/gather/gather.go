// Package gather defines the long-running ingestion jobs that fill the
// lake: archive import, REST completion and live streaming.
package gather

import (
	"context"
	"time"

	"klinelake/internal/util"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run starts the data gathering process. It blocks until ctx is cancelled
	// or the job is complete.
	Run(ctx context.Context) error
}

// DateRange is a half-open range of UTC days [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days returns every UTC day in the range.
func (r DateRange) Days() []time.Time {
	return util.Days(r.Start, r.End)
}

// Empty reports whether the range holds no day.
func (r DateRange) Empty() bool {
	return !util.Day(r.Start).Before(r.End)
}
