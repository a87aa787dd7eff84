package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/obsdeck/backoffice/loop"
	"github.com/obsdeck/backoffice/state"
	"github.com/obsdeck/backoffice/telemetry"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 4 << 20

// stateBody is a rendered GET /state response, cached by root childSerial.
type stateBody struct {
	serial uint64
	body   []byte
	etag   string
}

func newStateBody(serial uint64, body []byte) stateBody {
	return stateBody{
		serial: serial,
		body:   body,
		etag:   fmt.Sprintf(`"%016x"`, xxhash.Sum64(body)),
	}
}

func (b stateBody) write(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", b.etag)
	w.Header().Set("X-State-Serial", strconv.FormatUint(b.serial, 10))
	if r.Header.Get("If-None-Match") == b.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b.body)
}

type rootRead struct {
	serial uint64
	cached *stateBody
	value  state.Value
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	path, err := parseURLPath(chi.URLParam(r, "*"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(path) == 0 {
		s.serveRoot(w, r)
		return
	}

	v, err := loop.Await(r.Context(), loop.Submit(s.loop, func(t *state.Tree) (state.Value, error) {
		return t.Get(path), nil
	}))
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if v.IsAbsent() {
		writeErrorResponse(w, http.StatusNotFound, "no value at "+path.String())
		return
	}
	body, err := v.MarshalJSON()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// serveRoot answers GET /state. Bodies are rendered outside the loop and
// cached per root childSerial, so repeated polls of an idle tree cost one
// lookup.
func (s *Server) serveRoot(w http.ResponseWriter, r *http.Request) {
	res, err := loop.Await(r.Context(), loop.Submit(s.loop, func(t *state.Tree) (rootRead, error) {
		serial := t.Target().ChildSerial()
		if b, ok := s.cache.Get(serial); ok {
			return rootRead{serial: serial, cached: &b}, nil
		}
		return rootRead{serial: serial, value: t.Target().Export()}, nil
	}))
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if res.cached != nil {
		telemetry.StateCacheTotal.With("hit").Inc()
		res.cached.write(w, r)
		return
	}
	telemetry.StateCacheTotal.With("miss").Inc()

	body, err := res.value.MarshalJSON()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	b := newStateBody(res.serial, body)
	s.cache.Add(res.serial, b)
	b.write(w, r)
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	path, err := parseURLPath(chi.URLParam(r, "*"))
	if err != nil || len(path) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "a path below /state is required")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var v state.Value
	if err := v.UnmarshalJSON(raw); err != nil {
		telemetry.MutationsTotal.With("set", "invalid").Inc()
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	s.mutate(w, r, "set", path, func(t *state.Tree) error {
		return t.SetPath(path, v)
	})
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	path, err := parseURLPath(chi.URLParam(r, "*"))
	if err != nil || len(path) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "a path below /state is required")
		return
	}

	s.mutate(w, r, "delete", path, func(t *state.Tree) error {
		return t.DeletePath(path)
	})
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op string, path state.Path, fn func(*state.Tree) error) {
	serial, err := loop.Await(r.Context(), loop.Submit(s.loop, func(t *state.Tree) (uint64, error) {
		if err := fn(t); err != nil {
			return 0, err
		}
		return t.Serial(), nil
	}))
	if err != nil {
		status := statusFor(err)
		telemetry.MutationsTotal.With(op, "error").Inc()
		log.Debug().Err(err).Str("op", op).Str("path", path.String()).Msg("Rejected state mutation")
		writeErrorResponse(w, status, err.Error())
		return
	}

	telemetry.MutationsTotal.With(op, "ok").Inc()
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"path":   path.String(),
		"serial": serial,
	})
}
