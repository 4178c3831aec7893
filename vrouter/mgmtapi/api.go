// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package mgmtapi implements the management API of the vrouter: flow table
// inspection and programming, drop statistics, log level and packet traces.
package mgmtapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/util"
	"github.com/vrflow/vrflow/vrouter"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

const defaultLimit = 100

// Dataplane is the part of the data plane the API operates on.
type Dataplane interface {
	Flows() *flow.Table
	DropStats() *drop.Stats
	ClassifyAndLookupFlow(pkt *fwd.Packet, md *fwd.Metadata) vrouter.Result
}

// Server implements the management API.
type Server struct {
	Dataplane Dataplane
	// Interfaces resolves ingress interfaces of traced packets. Optional.
	Interfaces map[uint16]*fwd.Interface
	// LogLevel serves the log level. Defaults to the console level of the
	// root logger.
	LogLevel http.Handler
}

// Routes mounts the API on r.
func (s *Server) Routes(r chi.Router) {
	logLevel := s.LogLevel
	if logLevel == nil {
		logLevel = log.ConsoleLevel()
	}
	r.Route("/flows", func(r chi.Router) {
		r.Get("/", s.ListFlows)
		r.Put("/", s.SetFlow)
		r.Get("/table", s.GetTable)
		r.Put("/burst", s.SetBurst)
		r.Get("/{index}", s.GetFlow)
		r.Delete("/{index}", s.DeleteFlow)
	})
	r.Get("/dropstats", s.GetDropStats)
	r.Method(http.MethodGet, "/log/level", logLevel)
	r.Method(http.MethodPut, "/log/level", logLevel)
	r.Post("/trace", s.Trace)
	r.Get("/spec", s.GetSpec)
}

// ListFlows lists the active entries starting at index offset.
func (s *Server) ListFlows(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		badRequest(w, "invalid offset", err)
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit <= 0 {
		badRequest(w, "invalid limit", err)
		return
	}
	rep := FlowsResponse{Flows: []Flow{}, Next: -1}
	s.Dataplane.Flows().Range(func(e *flow.Entry) bool {
		if int(e.Index()) < offset {
			return true
		}
		if len(rep.Flows) == limit {
			rep.Next = int(e.Index())
			return false
		}
		rep.Flows = append(rep.Flows, newFlow(e))
		return true
	})
	writeJSON(w, http.StatusOK, rep)
}

// GetFlow returns the entry at the index in the path.
func (s *Server) GetFlow(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newFlow(e))
}

// SetFlow creates or updates an entry from a flow request.
func (s *Server) SetFlow(w http.ResponseWriter, r *http.Request) {
	var req flow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid flow request", err)
		return
	}
	h, err := s.Dataplane.Flows().Set(req)
	switch {
	case errors.Is(err, flow.ErrExists), errors.Is(err, flow.ErrStaleHandle):
		errorResponse(w, Problem{
			Detail: StringRef(err.Error()),
			Status: http.StatusConflict,
			Title:  "flow request conflicts with the table",
			Type:   StringRef(Conflict),
		})
		return
	case errors.Is(err, flow.ErrTableFull):
		errorResponse(w, Problem{
			Detail: StringRef(err.Error()),
			Status: http.StatusServiceUnavailable,
			Title:  "flow table full",
			Type:   StringRef(InternalError),
		})
		return
	case err != nil:
		badRequest(w, "invalid flow request", err)
		return
	}
	writeJSON(w, http.StatusOK, SetFlowResponse{Index: h.Index, Gen: h.Gen})
}

// DeleteFlow removes the entry at the index in the path and its reverse
// entry. The gen query parameter must match the generation of the entry.
func (s *Server) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	gen, err := strconv.ParseUint(r.URL.Query().Get("gen"), 10, 32)
	if err != nil {
		badRequest(w, "invalid gen", err)
		return
	}
	if err := s.Dataplane.Flows().Delete(flow.Handle{Index: e.Index(), Gen: uint32(gen)}); err != nil {
		errorResponse(w, Problem{
			Detail: StringRef(err.Error()),
			Status: http.StatusConflict,
			Title:  "flow changed",
			Type:   StringRef(Conflict),
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTable returns the table counters.
func (s *Server) GetTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Dataplane.Flows().Info())
}

// SetBurst changes the new flow admission limiter.
func (s *Server) SetBurst(w http.ResponseWriter, r *http.Request) {
	var b Burst
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		badRequest(w, "invalid burst", err)
		return
	}
	var interval time.Duration
	if b.Interval != "" {
		var err error
		if interval, err = util.ParseDuration(b.Interval); err != nil || interval < 0 {
			badRequest(w, "invalid burst interval", err)
			return
		}
	}
	s.Dataplane.Flows().SetBurst(flow.BurstConfig{
		Tokens:   b.Tokens,
		Interval: interval,
		Step:     b.Step,
	})
	writeJSON(w, http.StatusOK, s.Dataplane.Flows().Info())
}

// GetDropStats returns the non-zero drop counters by reason.
func (s *Server) GetDropStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Dataplane.DropStats().Snapshot())
}

// Trace runs a packet through the flow engine and reports the outcome.
// Traced packets are marked as diagnostic.
func (s *Server) Trace(w http.ResponseWriter, r *http.Request) {
	var req TraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid trace request", err)
		return
	}
	if len(req.Packet) == 0 {
		badRequest(w, "empty packet", nil)
		return
	}
	pkt := &fwd.Packet{
		Raw:   append([]byte(nil), req.Packet...),
		Flags: fwd.FlowGet | fwd.Diag,
	}
	if req.Interface != nil {
		pkt.Ingress = s.Interfaces[*req.Interface]
	}
	md := fwd.NewMetadata(req.VRF)
	if req.DVRF != nil {
		md.DVRF = *req.DVRF
	}
	raw := pkt.Raw
	res := s.Dataplane.ClassifyAndLookupFlow(pkt, &md)
	rep := TraceResponse{Result: res.String()}
	if md.Flow.Valid() {
		rep.Flow = &SetFlowResponse{Index: md.Flow.Index, Gen: md.Flow.Gen}
	}
	if res == vrouter.Forward {
		rep.Packet = raw
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) entry(w http.ResponseWriter, r *http.Request) (*flow.Entry, bool) {
	idx, err := strconv.ParseInt(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		badRequest(w, "invalid index", err)
		return nil, false
	}
	e := s.Dataplane.Flows().At(int32(idx))
	if e == nil || !e.Active() {
		errorResponse(w, Problem{
			Status: http.StatusNotFound,
			Title:  "no active flow at index",
			Type:   StringRef(NotFound),
		})
		return nil, false
	}
	return e, true
}

func newFlow(e *flow.Entry) Flow {
	k := e.Key()
	packets, bytes := e.Stats()
	return Flow{
		Index:    e.Index(),
		Gen:      e.Gen(),
		Reverse:  e.Reverse(),
		Action:   e.Action().String(),
		Flags:    e.Flags().String(),
		TCPFlags: uint16(e.TCPFlags()),
		Key: FlowKey{
			Proto:   k.Proto,
			Src:     k.Src,
			Dst:     k.Dst,
			SrcPort: k.SrcPort,
			DstPort: k.DstPort,
			NhID:    k.NhID,
		},
		Attrs:   e.Attrs(),
		Packets: packets,
		Bytes:   bytes,
		Held:    e.Held(),
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	// The header is out, nothing can be done about errors anymore.
	_ = enc.Encode(v)
}

func badRequest(w http.ResponseWriter, title string, err error) {
	p := Problem{
		Status: http.StatusBadRequest,
		Title:  title,
		Type:   StringRef(BadRequest),
	}
	if err != nil {
		p.Detail = StringRef(err.Error())
	}
	errorResponse(w, p)
}

// errorResponse writes p as problem+json.
func errorResponse(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	_ = enc.Encode(p)
}
