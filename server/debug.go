package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/obsdeck/backoffice/loop"
	"github.com/obsdeck/backoffice/state"
)

type registryInfo struct {
	Lineage   uint64              `json:"lineage"`
	Serial    uint64              `json:"serial"`
	Root      uint64              `json:"root_child_serial"`
	Registry  state.RegistryStats `json:"registry"`
	Sessions  []sessionInfo       `json:"sessions"`
	CacheSize int                 `json:"state_cache_entries"`
}

type sessionInfo struct {
	ID        uint64 `json:"id"`
	Remote    string `json:"remote"`
	Encoding  string `json:"encoding"`
	State     string `json:"state"`
	Serial    uint64 `json:"serial"`
	Connected string `json:"connected"`
}

// handleRegistry reports synchronizer counts and connected replicas.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	info, err := loop.Await(r.Context(), loop.Submit(s.loop, func(t *state.Tree) (registryInfo, error) {
		return registryInfo{
			Lineage:  t.Lineage(),
			Serial:   t.Serial(),
			Root:     t.Target().ChildSerial(),
			Registry: t.Stats(),
		}, nil
	}))
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	info.Sessions = make([]sessionInfo, 0, s.sessions.Size())
	s.sessions.Range(func(id uint64, p *wsPeer) bool {
		info.Sessions = append(info.Sessions, sessionInfo{
			ID:        id,
			Remote:    p.remote,
			Encoding:  p.encoding,
			State:     p.session.State().String(),
			Serial:    p.session.Serial(),
			Connected: p.connected.UTC().Format(time.RFC3339),
		})
		return true
	})
	sort.Slice(info.Sessions, func(i, j int) bool { return info.Sessions[i].ID < info.Sessions[j].ID })
	info.CacheSize = s.cache.Len()

	writeJSONResponse(w, http.StatusOK, info)
}
