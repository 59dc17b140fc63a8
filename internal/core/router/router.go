// Package router holds the HTTP handlers of the build and map API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/mocgen/internal/buildlog"
	"github.com/mohammed-shakir/mocgen/internal/builder"
	"github.com/mohammed-shakir/mocgen/internal/cache/tilestore"
	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/jobs"
	"github.com/mohammed-shakir/mocgen/internal/moc"
	"github.com/mohammed-shakir/mocgen/internal/source"
)

// MaxBodyBytes bounds request bodies; inline catalogs and maps can be large.
const MaxBodyBytes = 64 << 20

type Jobs interface {
	Submit(ctx context.Context, req jobs.BuildRequest) (string, bool, error)
	Get(id string) (jobs.Status, error)
	Cancel(id string) (jobs.Status, error)
	Result(ctx context.Context, id string) (*moc.Set, jobs.Status, error)
}

type Maps interface {
	PutMap(ctx context.Context, name string, m *source.HealpixMap) (tilestore.Meta, error)
	Meta(ctx context.Context, name string) (tilestore.Meta, error)
	DeleteMap(ctx context.Context, name string) error
}

// History lists recently finished builds, newest first.
type History interface {
	Recent(ctx context.Context, n int) ([]buildlog.Entry, error)
}

const (
	defaultRecent = 20
	maxRecent     = 500
)

// Mount registers the API on r. maps and history may be nil when their
// backing store is disabled.
func Mount(r chi.Router, logger *slog.Logger, j Jobs, maps Maps, history History) {
	r.Route("/builds", func(r chi.Router) {
		r.Get("/", RecentBuilds(logger, history))
		r.Post("/", SubmitBuild(logger, j))
		r.Get("/{id}", BuildStatus(j))
		r.Delete("/{id}", CancelBuild(logger, j))
		r.Get("/{id}/moc", BuildMOC(logger, j))
	})
	r.Route("/maps/{name}", func(r chi.Router) {
		r.Put("/", PutMap(logger, maps))
		r.Get("/", MapMeta(maps))
		r.Delete("/", DeleteMap(maps))
	})
}

type recentBuild struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Order     int       `json:"order"`
	Cells     int       `json:"cells"`
	Kinds     []string  `json:"kinds"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Seconds   float64   `json:"duration_seconds"`
}

// RecentBuilds lists the build history, ?recent=N entries (default 20).
func RecentBuilds(logger *slog.Logger, history History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if history == nil {
			writeError(w, errNoHistory)
			return
		}
		n := defaultRecent
		if raw := r.URL.Query().Get("recent"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				writeError(w, fmt.Errorf("%w: recent must be a positive integer", errBadRequest))
				return
			}
			n = min(v, maxRecent)
		}
		entries, err := history.Recent(r.Context(), n)
		if err != nil {
			logger.ErrorContext(r.Context(), "build history query failed", "err", err)
			writeError(w, err)
			return
		}
		out := make([]recentBuild, 0, len(entries))
		for _, e := range entries {
			out = append(out, recentBuild{
				ID:        e.ID,
				RequestID: e.RequestID,
				Outcome:   e.Outcome,
				Error:     e.Error,
				Order:     e.Order,
				Cells:     e.Cells,
				Kinds:     e.Kinds,
				Started:   e.Started,
				Finished:  e.Finished,
				Seconds:   e.Duration().Seconds(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type submitResponse struct {
	ID      string `json:"id"`
	Deduped bool   `json:"deduped,omitempty"`
}

func SubmitBuild(logger *slog.Logger, j Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.BuildRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		id, deduped, err := j.Submit(r.Context(), req)
		if err != nil {
			logger.InfoContext(r.Context(), "build rejected", "err", err)
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/builds/"+id)
		writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Deduped: deduped})
	}
}

func BuildStatus(j Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := j.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func CancelBuild(logger *slog.Logger, j Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		st, err := j.Cancel(id)
		if err != nil {
			writeError(w, err)
			return
		}
		logger.InfoContext(r.Context(), "build cancel requested", "build_id", id, "state", st.State)
		writeJSON(w, http.StatusAccepted, st)
	}
}

// BuildMOC serves a finished MOC as ASCII text, or with ?format=json as an
// order to ids object, or with ?format=binary in the compact store encoding.
func BuildMOC(logger *slog.Logger, j Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		set, st, err := j.Result(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("X-Moc-Frame", set.Frame().String())
		w.Header().Set("X-Moc-Order", strconv.Itoa(set.MaxOrder()))
		w.Header().Set("X-Moc-Cells", strconv.Itoa(st.Cells))

		switch strings.ToLower(r.URL.Query().Get("format")) {
		case "", "ascii", "text":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(set.String()))
		case "json":
			writeJSON(w, http.StatusOK, set)
		case "binary":
			raw, err := set.MarshalBinary()
			if err != nil {
				logger.ErrorContext(r.Context(), "moc encode failed", "build_id", id, "err", err)
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(raw)
		default:
			writeError(w, fmt.Errorf("%w: unknown format %q", errBadRequest, r.URL.Query().Get("format")))
		}
	}
}

func PutMap(logger *slog.Logger, maps Maps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maps == nil {
			writeError(w, errNoMapStore)
			return
		}
		name := chi.URLParam(r, "name")
		var spec jobs.MapSpec
		if err := decodeBody(w, r, &spec); err != nil {
			writeError(w, err)
			return
		}
		hm, err := spec.HealpixMap()
		if err != nil {
			writeError(w, err)
			return
		}
		meta, err := maps.PutMap(r.Context(), name, hm)
		if err != nil {
			logger.ErrorContext(r.Context(), "map store failed", "map", name, "err", err)
			writeError(w, err)
			return
		}
		logger.InfoContext(r.Context(), "map stored", "map", name, "order", meta.Order, "tiles", meta.Tiles)
		writeJSON(w, http.StatusCreated, meta)
	}
}

func MapMeta(maps Maps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maps == nil {
			writeError(w, errNoMapStore)
			return
		}
		meta, err := maps.Meta(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

func DeleteMap(maps Maps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maps == nil {
			writeError(w, errNoMapStore)
			return
		}
		if err := maps.DeleteMap(r.Context(), chi.URLParam(r, "name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

var (
	errBadRequest = errors.New("bad request")
	errNoMapStore = errors.New("map storage disabled")
	errNoHistory  = errors.New("build history disabled")
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, tooBig.Limit)
		}
		return fmt.Errorf("%w: decode body: %w", errBadRequest, err)
	}
	return nil
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	var adapterErr *builder.AdapterError
	switch {
	case errors.As(err, &adapterErr):
		// before the 400s: adapters can wrap ErrInvalidOrder from a bad tile layout
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, jobs.ErrInvalidRequest),
		errors.Is(err, healpix.ErrInvalidOrder),
		errors.Is(err, frame.ErrUnsupportedFrame):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrUnknownBuild),
		errors.Is(err, tilestore.ErrMapNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrNotFinished),
		errors.Is(err, builder.ErrInterrupted):
		return http.StatusConflict
	case errors.Is(err, builder.ErrEmptyRegion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrQueueFull),
		errors.Is(err, jobs.ErrStopped),
		errors.Is(err, jobs.ErrNoMapSource),
		errors.Is(err, errNoMapStore),
		errors.Is(err, errNoHistory):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
