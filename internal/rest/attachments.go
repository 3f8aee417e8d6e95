package rest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
)

// errUnsafePath is returned for ids that would escape the attachments
// directory.
var errUnsafePath = errors.New("unsafe attachment path")

// AttachmentsDir returns the attachments directory of a dataset.
func (e *Engine) AttachmentsDir(ds *dataset.Dataset) (string, error) {
	if e.opts.AttachmentsDir == "" {
		return "", errors.New("attachments are not configured")
	}
	if !filepath.IsLocal(ds.ID) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, ds.ID)
	}
	return filepath.Join(e.opts.AttachmentsDir, ds.ID), nil
}

// LineAttachmentsDir returns the directory holding the files of a line.
func (e *Engine) LineAttachmentsDir(ds *dataset.Dataset, lineID string) (string, error) {
	dir, err := e.AttachmentsDir(ds)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(lineID) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, lineID)
	}
	return filepath.Join(dir, lineID), nil
}

// removeAttachments deletes the files of deleted lines. Without history
// nothing can refer to them anymore.
func (e *Engine) removeAttachments(ctx context.Context, ds *dataset.Dataset, ops []Operation) {
	if e.opts.AttachmentsDir == "" {
		return
	}
	for i := range ops {
		op := &ops[i]
		if op.Action != ActionDelete || !op.writable() {
			continue
		}
		dir, err := e.LineAttachmentsDir(ds, op.ID)
		if err != nil {
			slog.WarnContext(ctx, "Skipping attachment removal", "dataset", ds.ID, "id", op.ID, "err", err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.ErrorContext(ctx, "Failed to remove line attachments", "dataset", ds.ID, "id", op.ID, "err", err)
		}
	}
}

// ListAttachments returns the slash separated paths of the files in the
// attachments directory of ds, sorted.
func (e *Engine) ListAttachments(ds *dataset.Dataset) ([]string, error) {
	dir, err := e.AttachmentsDir(ds)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments of %s: %w", ds.ID, err)
	}
	slices.Sort(files)
	return files, nil
}

// SyncAttachmentLines creates a line per attachment file and deletes the
// lines whose file is gone. The attachment path field must be the only
// primary key.
func (e *Engine) SyncAttachmentLines(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor) (*Summary, error) {
	pathField, ok := ds.PathField()
	if !ok {
		return nil, apierrors.BadRequest("the dataset has no attachment path field")
	}
	if len(ds.PrimaryKey) != 1 || ds.PrimaryKey[0] != pathField.Key {
		return nil, apierrors.BadRequest("the attachment path must be the primary key of the dataset")
	}
	files, err := e.ListAttachments(ds)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	var stale []docstore.Document
	q := docstore.Query{
		Filter: docstore.Filter{NotEqual: map[string]any{fieldDeleted: true}},
		Fields: []string{pathField.Key},
	}
	for line, err := range e.lines(ds).Find(ctx, q) {
		if err != nil {
			return nil, fmt.Errorf("failed to read lines: %w", err)
		}
		if p, _ := line[pathField.Key].(string); !present[p] {
			stale = append(stale, docstore.Document{
				docstore.IDField: line.ID(),
				pathField.Key:    line[pathField.Key],
				fieldAction:      string(ActionDelete),
			})
		}
	}
	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rows := make(chan Line)
	go func() {
		defer close(rows)
		for _, f := range files {
			select {
			case rows <- Line{Doc: docstore.Document{pathField.Key: f}}:
			case <-feedCtx.Done():
				return
			}
		}
		for _, d := range stale {
			select {
			case rows <- Line{Doc: d}:
			case <-feedCtx.Done():
				return
			}
		}
	}()
	opts := BulkOptions{Validator: dataset.CompileValidator(ds, actor != nil && actor.AdminMode)}
	s, batches, err := e.consume(ctx, ds, actor, rows, &opts, "")
	if batches > 0 {
		if err2 := e.datasets.SetPartialRestStatus(ctx, ds.ID, dataset.PartialUpdated); err2 != nil {
			return s, err2
		}
	}
	return s, err
}
