package rest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
)

// ApplyLineTTL deletes the lines whose TTL property is older than the
// configured delay.
func (e *Engine) ApplyLineTTL(ctx context.Context, ds *dataset.Dataset, now time.Time) (*Summary, error) {
	ttl := &ds.Rest.TTL
	if !ttl.Active {
		return &Summary{Errors: []LineError{}}, nil
	}
	delay, err := ttl.Delay.Duration()
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid line TTL of %s: %w", ds.ID, err))
	}
	cutoff := docstore.FormatTime(now.Add(-delay))
	q := docstore.Query{
		Filter: docstore.Filter{
			Exists:   []string{ttl.Prop},
			NotEqual: map[string]any{fieldDeleted: true},
			LessThan: map[string]any{ttl.Prop: cutoff},
		},
		Fields: []string{docstore.IDField},
	}
	var ids []string
	for line, err := range e.lines(ds).Find(ctx, q) {
		if err != nil {
			return nil, fmt.Errorf("failed to read lines: %w", err)
		}
		ids = append(ids, line.ID())
	}
	rows := make(chan Line, len(ids))
	for _, id := range ids {
		rows <- Line{Doc: docstore.Document{docstore.IDField: id, fieldAction: string(ActionDelete)}}
	}
	close(rows)
	s, _, err := e.consume(ctx, ds, nil, rows, &BulkOptions{}, "")
	if err != nil {
		return s, err
	}
	if err := e.datasets.SetTTLCheckedAt(ctx, ds.ID, now); err != nil {
		return s, err
	}
	if s.NbOk > 0 {
		slog.InfoContext(ctx, "Deleted expired lines", "dataset", ds.ID, "count", s.NbOk)
		if err := e.datasets.SetPartialRestStatus(ctx, ds.ID, dataset.PartialUpdated); err != nil {
			return s, err
		}
	}
	return s, nil
}
