package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
	"github.com/maruel/datarest/internal/rest"
)

var (
	errNotArray  = errors.New("expected a JSON array of lines")
	errNotObject = errors.New("each line must be a JSON object")
)

// BulkHandler streams bulk uploads into the engine.
type BulkHandler struct {
	svc    *dataset.Service
	engine *rest.Engine
	sync   Syncer
}

// NewBulkHandler creates a new bulk handler.
func NewBulkHandler(svc *dataset.Service, engine *rest.Engine, sync Syncer) *BulkHandler {
	return &BulkHandler{svc: svc, engine: engine, sync: sync}
}

// BulkLines serves POST /datasets/{id}/_bulk_lines.
//
// The body is a JSON array (application/json) or newline delimited JSON.
// The response status is sent after the first batch: 400 when that batch
// only held errors, 200 otherwise. A space is written after every later
// batch to keep the connection alive and the summary closes the body.
func (h *BulkHandler) BulkLines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := requireActor(ctx)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	ds, err := loadDataset(ctx, h.svc, r.PathValue("id"))
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	ctx, cancel := context.WithCancel(ctx)
	rows := make(chan rest.Line, h.engine.MaxBulkOps())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(rows)
		readLines(ctx, r.Body, mt == "application/json", rows)
	}()

	rc := http.NewResponseController(w)
	started := false
	start := func(s *rest.Summary) {
		started = true
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(bulkStatus(s))
	}
	opts := rest.BulkOptions{
		Drop:      r.URL.Query().Get("drop") == "true",
		Validator: dataset.CompileValidator(ds, actor.AdminMode),
		Owner:     ownerOf(ds, actor),
		OnBatch: func(s *rest.Summary) {
			if !started {
				start(s)
			} else if _, err := w.Write([]byte(" ")); err != nil {
				cancel()
				return
			}
			if err := rc.Flush(); err != nil {
				slog.DebugContext(ctx, "Failed to flush bulk response", "err", err)
			}
		},
	}
	s, err := h.engine.BulkApply(ctx, ds, actor, rows, opts)
	cancel()
	<-done
	if s != nil && (s.NbOk > 0 || s.Dropped) {
		h.sync.Trigger(ds.ID)
	}
	if err != nil {
		if rest.IsPermanent(err) {
			slog.InfoContext(ctx, "Bulk upload rejected", "dataset", ds.ID, "err", err)
		} else {
			slog.WarnContext(ctx, "Bulk upload failed", "dataset", ds.ID, "err", err)
		}
		if !started {
			WriteError(ctx, w, err)
			return
		}
	}
	if s == nil {
		s = &rest.Summary{}
	}
	if !started {
		start(s)
	}
	if err := json.NewEncoder(w).Encode(s); err != nil {
		slog.DebugContext(ctx, "Failed to write bulk summary", "err", err)
	}
}

func bulkStatus(s *rest.Summary) int {
	if s.NbOk == 0 && s.NbErrors > 0 {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// readLines decodes body into rows until the end of the body, a decoding
// error or ctx cancelation.
func readLines(ctx context.Context, body io.Reader, array bool, rows chan<- rest.Line) {
	send := func(l rest.Line) bool {
		select {
		case rows <- l:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		send(rest.Line{Err: bodyError(err)})
	}
	dec := json.NewDecoder(body)
	if array {
		tok, err := dec.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			fail(err)
			return
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			fail(errNotArray)
			return
		}
	}
	for {
		if array && !dec.More() {
			if _, err := dec.Token(); err != nil {
				fail(err)
			}
			return
		}
		var doc docstore.Document
		err := dec.Decode(&doc)
		if !array && err == io.EOF {
			return
		}
		if err != nil {
			fail(err)
			return
		}
		if doc == nil {
			fail(errNotObject)
			return
		}
		if !send(rest.Line{Doc: doc}) {
			return
		}
	}
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apierrors.PayloadTooLarge(tooLarge.Limit).Wrap(err)
	}
	return apierrors.BadRequest("invalid body").Wrap(err)
}
