package solar

import (
	"context"
	"errors"
	"fmt"

	"procodus.dev/solarwatch/pkg/kv"
)

var (
	ErrSiteNotFound       = errors.New("site not found")
	ErrDuplicateSite      = errors.New("site already exists")
	ErrInvalidRadius      = errors.New("radius must be positive")
	ErrInvalidCoordinate  = errors.New("invalid coordinate")
	ErrInvalidReading     = errors.New("invalid meter reading")
	ErrInvalidSite        = errors.New("invalid site")
	ErrPartialDelete      = errors.New("site partially deleted")
	ErrRangeUnsupported   = errors.New("reading log does not support time range queries")
	ErrTimeout            = errors.New("operation timed out")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// PartialDeleteError reports a delete whose cleanup may not have completed.
// The site's derived entries can be left behind. A retried delete removes them
// and reports ErrSiteNotFound once the record itself is gone.
type PartialDeleteError struct {
	SiteID int64
	Err    error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("site %d partially deleted: %v", e.SiteID, e.Err)
}

func (e *PartialDeleteError) Is(target error) bool {
	return target == ErrPartialDelete
}

func (e *PartialDeleteError) Unwrap() error {
	return e.Err
}

// ReadingError is the failure of one reading of an ingested batch.
type ReadingError struct {
	Index  int
	SiteID int64
	Err    error
}

func (e *ReadingError) Error() string {
	return fmt.Sprintf("reading %d for site %d: %v", e.Index, e.SiteID, e.Err)
}

func (e *ReadingError) Unwrap() error {
	return e.Err
}

// ReadingErrors returns the per-reading failures carried by an IngestReadings
// error, in batch order.
func ReadingErrors(err error) []*ReadingError {
	var out []*ReadingError
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return out
	}
	for _, e := range joined.Unwrap() {
		var re *ReadingError
		if errors.As(e, &re) {
			out = append(out, re)
		}
	}
	return out
}

// classify maps backend and context failures onto the core taxonomy.
// Domain errors are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrBackendUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, kv.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	default:
		return err
	}
}
