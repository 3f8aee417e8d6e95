package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	apierrors "github.com/maruel/datarest/internal/errors"
	"github.com/maruel/datarest/internal/server/handlers"
)

// statuser overrides the default 200 status of a response.
type statuser interface {
	Status() int
}

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, In) (*Out, error)
// where In can be unmarshalled from JSON and Out is a struct.
// Path parameters are extracted by tagging struct fields with `path:"name"`
// and query parameters with `query:"name"`.
//
// Out may implement Status() int to change the response status. A 204
// response has no body.
//
// Example:
//
//	type DatasetRequest struct {
//	    ID string `path:"id"`
//	}
//
//	func (h *Handler) GetDataset(ctx context.Context, req DatasetRequest) (*dataset.Dataset, error)
func Wrap[In any, Out any](fn func(context.Context, In) (*Out, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var input In
		if err := decodeBody(r, &input); err != nil {
			handlers.WriteError(ctx, w, err)
			return
		}
		if err := populateParams(r, &input); err != nil {
			handlers.WriteError(ctx, w, err)
			return
		}

		output, err := fn(ctx, input)
		if err != nil {
			handlers.WriteError(ctx, w, err)
			return
		}
		status := http.StatusOK
		if s, ok := any(output).(statuser); ok {
			status = s.Status()
		}
		if status == http.StatusNoContent {
			w.WriteHeader(status)
			return
		}
		handlers.WriteJSON(ctx, w, status, output)
	})
}

// decodeBody decodes the optional JSON body into input, rejecting unknown
// fields.
func decodeBody(r *http.Request, input any) error {
	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierrors.PayloadTooLarge(tooLarge.Limit).Wrap(err)
		}
		return apierrors.BadRequest("failed to read request body").Wrap(err)
	}
	if len(body) == 0 {
		return nil
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.DisallowUnknownFields()
	if err := d.Decode(input); err != nil {
		slog.DebugContext(r.Context(), "Failed to decode request body", "err", err)
		return apierrors.BadRequest("invalid request body").Wrap(err)
	}
	return nil
}

// populateParams fills the struct fields tagged with `path:"name"` or
// `query:"name"`.
func populateParams(r *http.Request, input any) error {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Ptr {
		return nil
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return nil
	}
	query := r.URL.Query()
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		name, value := "", ""
		if tag := field.Tag.Get("path"); tag != "" {
			name, value = tag, r.PathValue(tag)
		} else if tag := field.Tag.Get("query"); tag != "" {
			name, value = tag, query.Get(tag)
		}
		if value == "" {
			continue
		}
		if err := setField(elem.Field(i), value); err != nil {
			return apierrors.NewAPIError(http.StatusBadRequest, apierrors.ErrInvalidFormat, "invalid parameter "+name).Wrap(err)
		}
	}
	return nil
}

func setField(f reflect.Value, value string) error {
	//nolint:exhaustive // Only scalar parameters are supported.
	switch f.Kind() {
	case reflect.String:
		f.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		f.SetBool(b)
	default:
	}
	return nil
}
