package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
	"github.com/maruel/datarest/internal/rest"
	"github.com/maruel/datarest/internal/server/reqctx"
)

// LineHandler handles single line requests and revision reads.
type LineHandler struct {
	svc    *dataset.Service
	engine *rest.Engine
	sync   Syncer
}

// NewLineHandler creates a new line handler.
func NewLineHandler(svc *dataset.Service, engine *rest.Engine, sync Syncer) *LineHandler {
	return &LineHandler{svc: svc, engine: engine, sync: sync}
}

// ReadLine serves GET /datasets/{id}/lines/{lineId}.
func (h *LineHandler) ReadLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ds, err := loadDataset(ctx, h.svc, r.PathValue("id"))
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	line, err := h.engine.ReadLine(ctx, ds, r.PathValue("lineId"), ownerOf(ds, reqctx.Actor(ctx)))
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	if t, ok := line.Timestamp("_updatedAt"); ok {
		// HTTP dates have a one second resolution.
		t = t.Truncate(time.Second)
		if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !t.After(ims) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", t.UTC().Format(http.TimeFormat))
	}
	WriteJSON(ctx, w, http.StatusOK, line)
}

// CreateLine serves POST /datasets/{id}/lines.
func (h *LineHandler) CreateLine(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, body docstore.Document) (docstore.Document, int, error) {
		return h.engine.CreateOrUpdateLine(ctx, ds, actor, ownerOf(ds, actor), "", body)
	})
}

// PutLine serves PUT /datasets/{id}/lines/{lineId}.
func (h *LineHandler) PutLine(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, body docstore.Document) (docstore.Document, int, error) {
		return h.engine.CreateOrUpdateLine(ctx, ds, actor, ownerOf(ds, actor), r.PathValue("lineId"), body)
	})
}

// PatchLine serves PATCH /datasets/{id}/lines/{lineId}.
func (h *LineHandler) PatchLine(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, body docstore.Document) (docstore.Document, int, error) {
		return h.engine.PatchLine(ctx, ds, actor, ownerOf(ds, actor), r.PathValue("lineId"), body)
	})
}

// DeleteLine serves DELETE /datasets/{id}/lines/{lineId}.
func (h *LineHandler) DeleteLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ds, err := h.prepare(ctx, r)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	id := r.PathValue("lineId")
	if err := h.engine.DeleteLine(ctx, ds, actor, ownerOf(ds, actor), id); err != nil {
		WriteError(ctx, w, err)
		return
	}
	h.commit(ctx, ds, id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *LineHandler) prepare(ctx context.Context, r *http.Request) (*dataset.Actor, *dataset.Dataset, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, nil, err
	}
	ds, err := loadDataset(ctx, h.svc, r.PathValue("id"))
	if err != nil {
		return nil, nil, err
	}
	return actor, ds, nil
}

type writeFunc func(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, body docstore.Document) (docstore.Document, int, error)

func (h *LineHandler) write(w http.ResponseWriter, r *http.Request, fn writeFunc) {
	ctx := r.Context()
	actor, ds, err := h.prepare(ctx, r)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	body, err := decodeLine(r, ds)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	line, status, err := fn(ctx, ds, actor, body)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	if status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}
	h.commit(ctx, ds, line.ID())
	WriteJSON(ctx, w, status, line)
}

// commit makes the line visible to the search index before answering.
func (h *LineHandler) commit(ctx context.Context, ds *dataset.Dataset, id string) {
	if err := h.sync.CommitLine(ctx, ds, id); err != nil {
		slog.WarnContext(ctx, "Failed to commit line", "dataset", ds.ID, "line", id, "err", err)
	}
	h.sync.Trigger(ds.ID)
}

// decodeLine reads a JSON object, or form values converted to the schema
// types.
func decodeLine(r *http.Request, ds *dataset.Dataset) (docstore.Document, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, bodyError(err)
		}
		body := docstore.Document{}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				body[k] = v[0]
			}
		}
		dataset.Coerce(body, ds.Schema)
		return body, nil
	}
	var body docstore.Document
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, bodyError(err)
		}
		return nil, apierrors.BadRequest("invalid JSON body").Wrap(err)
	}
	if body == nil {
		return nil, apierrors.BadRequest("the body must be a JSON object")
	}
	return body, nil
}

// ListRevisions serves GET /datasets/{id}/revisions and
// /datasets/{id}/lines/{lineId}/revisions.
func (h *LineHandler) ListRevisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ds, err := loadDataset(ctx, h.svc, r.PathValue("id"))
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	q := r.URL.Query()
	var before int64
	if v := q.Get("before"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil {
			WriteError(ctx, w, apierrors.BadRequest("before must be an integer"))
			return
		}
	}
	size := 0
	if v := q.Get("size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 0 {
			WriteError(ctx, w, apierrors.BadRequest("size must be a positive integer"))
			return
		}
	}
	page, err := h.engine.ReadRevisions(ctx, ds, r.PathValue("lineId"), ownerOf(ds, reqctx.Actor(ctx)), before, size)
	if err != nil {
		WriteError(ctx, w, err)
		return
	}
	if page.Before != 0 {
		next := *r.URL
		q.Set("before", strconv.FormatInt(page.Before, 10))
		next.RawQuery = q.Encode()
		page.Next = next.RequestURI()
		w.Header().Set("Link", "<"+page.Next+`>; rel="next"`)
	}
	WriteJSON(ctx, w, http.StatusOK, page)
}
