// Package marketdata reads market and factor windows from the store in
// bounded parallel chunks, with pool/ST resolution and the custom-factor
// fast path layered on top of the raw repositories.
package marketdata

import (
	"time"

	"github.com/factorlab/factorlab/internal/errs"
)

// DateLayout is the storage date format.
const DateLayout = "20060102"

// chunkSpanDays is the length of one read window, roughly three months.
const chunkSpanDays = 3 * 30

// Chunk is one inclusive date window.
type Chunk struct {
	Start string
	End   string
}

// PlanChunks splits [start, end] into adjacent, non-overlapping windows of
// at most chunkSpanDays calendar days. The chunks cover the range exactly;
// start == end yields a single one-day chunk.
func PlanChunks(start, end string) ([]Chunk, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, errs.Validationf("malformed start date %q", start)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return nil, errs.Validationf("malformed end date %q", end)
	}
	if s.After(e) {
		return nil, errs.Validationf("start date %s is after end date %s", start, end)
	}

	var chunks []Chunk
	for cur := s; !cur.After(e); {
		stop := cur.AddDate(0, 0, chunkSpanDays-1)
		if stop.After(e) {
			stop = e
		}
		chunks = append(chunks, Chunk{
			Start: cur.Format(DateLayout),
			End:   stop.Format(DateLayout),
		})
		cur = stop.AddDate(0, 0, 1)
	}
	return chunks, nil
}
