package store

import (
	"fmt"
	"time"
)

// Frequency is the time bucket width of a partition.
type Frequency string

const (
	Daily   Frequency = "daily"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// ParseFrequency validates s as a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(s); f {
	case Daily, Monthly, Yearly:
		return f, nil
	}
	return "", fmt.Errorf("unknown partition frequency %q", s)
}

func (f Frequency) layout() string {
	switch f {
	case Daily:
		return "20060102"
	case Monthly:
		return "200601"
	default:
		return "2006"
	}
}

// floor returns the UTC start of the partition containing t.
func (f Frequency) floor(t time.Time) time.Time {
	t = t.UTC()
	switch f {
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

// next returns the start of the partition following the one starting at t.
func (f Frequency) next(t time.Time) time.Time {
	switch f {
	case Daily:
		return t.AddDate(0, 0, 1)
	case Monthly:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(1, 0, 0)
	}
}

// PartitionID returns the identifier of the partition containing t, e.g.
// "2024", "202401" or "20240101".
func (f Frequency) PartitionID(t time.Time) string {
	return f.floor(t).Format(f.layout())
}

// Bounds returns the UTC window [start, end) covered by partition id.
func (f Frequency) Bounds(id string) (start, end time.Time, err error) {
	start, err = time.ParseInLocation(f.layout(), id, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing %s partition id %q: %w", f, id, err)
	}
	return start, f.next(start), nil
}

// PartitionIDs returns every partition id spanned by [min, max], inclusive,
// in ascending order.
func (f Frequency) PartitionIDs(min, max time.Time) []string {
	var ids []string
	for t := f.floor(min); !t.After(max); t = f.next(t) {
		ids = append(ids, t.Format(f.layout()))
	}
	return ids
}
