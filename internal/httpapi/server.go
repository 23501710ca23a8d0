// Package httpapi is the thin JSON surface the rider and driver apps talk
// to. It performs no route math itself; every request maps onto one engine
// or store operation.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"shuttle-eta/internal/eta"
	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/positions"
	"shuttle-eta/internal/presence"
	"shuttle-eta/internal/route"
)

type Server struct {
	loop      *route.Loop
	feed      *positions.Feed
	publisher *positions.Publisher
	session   *eta.Session
	presence  *presence.Manager
	crowd     presence.Store
	now       func() time.Time
}

func NewServer(loop *route.Loop, feed *positions.Feed, pub *positions.Publisher, session *eta.Session, pm *presence.Manager, crowd presence.Store) *Server {
	return &Server{
		loop:      loop,
		feed:      feed,
		publisher: pub,
		session:   session,
		presence:  pm,
		crowd:     crowd,
		now:       time.Now,
	}
}

// Handler builds the router with CORS for the separately hosted UI.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stops", s.handleStops).Methods(http.MethodGet)
	api.HandleFunc("/eta/{stopID}", s.handleETA).Methods(http.MethodGet)
	api.HandleFunc("/crowd/{stopID}", s.handleCrowd).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{busID}/position", s.handleDriverPosition).Methods(http.MethodPost)
	api.HandleFunc("/devices", s.handleNewDevice).Methods(http.MethodPost)
	api.HandleFunc("/presence/{deviceID}/sample", s.handlePresenceSample).Methods(http.MethodPost)
	api.HandleFunc("/presence/{deviceID}", s.handlePresenceTeardown).Methods(http.MethodDelete)

	opts := cors.Options{AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete}}
	if len(allowedOrigins) > 0 {
		opts.AllowedOrigins = allowedOrigins
	}
	return cors.New(opts).Handler(r)
}

type stopDTO struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

func (s *Server) handleStops(w http.ResponseWriter, _ *http.Request) {
	var out []stopDTO
	for _, st := range s.loop.Stops() {
		if !st.Visible {
			continue
		}
		out = append(out, stopDTO{ID: st.ID, Title: st.Title, Lat: st.Point.Lat, Lng: st.Point.Lng})
	}
	writeJSON(w, http.StatusOK, out)
}

type busETADTO struct {
	BusID     string `json:"busId"`
	EtaMs     int64  `json:"etaMs"`
	DistanceM *int   `json:"distanceM,omitempty"`
	ArrivalAt string `json:"arrivalAt"`
}

type etaDTO struct {
	Best         busETADTO   `json:"best"`
	ArrivingSoon bool        `json:"arrivingSoon"`
	UsedFallback bool        `json:"usedFallback"`
	Source       string      `json:"source"`
	Path         []geo.Point `json:"path"`
	Next         *busETADTO  `json:"next,omitempty"`
}

func toBusDTO(b eta.BusETA) busETADTO {
	dto := busETADTO{
		BusID:     b.BusID,
		EtaMs:     b.Duration.Milliseconds(),
		ArrivalAt: b.ArrivalAt.UTC().Format(time.RFC3339),
	}
	if b.DistanceM >= 0 {
		d := b.DistanceM
		dto.DistanceM = &d
	}
	return dto
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	stopID := mux.Vars(r)["stopID"]
	snap := s.feed.Snapshot(s.now())

	sel, err := s.session.Compute(r.Context(), stopID, snap)
	if err != nil {
		s.writeETAError(w, err)
		return
	}
	dto := etaDTO{
		Best:         toBusDTO(sel.Best),
		ArrivingSoon: sel.ArrivingSoon,
		UsedFallback: sel.UsedFallback,
		Source:       string(sel.Source),
		Path:         sel.Path,
	}
	if sel.Next != nil {
		next := toBusDTO(*sel.Next)
		dto.Next = &next
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) writeETAError(w http.ResponseWriter, err error) {
	var rf *eta.RoutingFailedError
	switch {
	case errors.Is(err, eta.ErrUnknownStop):
		writeError(w, http.StatusNotFound, "unknown_stop", err)
	case errors.Is(err, eta.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err)
	case errors.Is(err, eta.ErrNoBuses):
		writeError(w, http.StatusServiceUnavailable, "no_buses", err)
	case errors.Is(err, eta.ErrNoCandidates):
		writeError(w, http.StatusServiceUnavailable, "no_candidates", err)
	case errors.As(err, &rf):
		writeError(w, http.StatusServiceUnavailable, "routing_failed", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) handleCrowd(w http.ResponseWriter, r *http.Request) {
	stopID := mux.Vars(r)["stopID"]
	if _, ok := s.loop.StopByID(stopID); !ok {
		writeError(w, http.StatusNotFound, "unknown_stop", nil)
		return
	}
	count, err := s.crowd.CountWaiting(r.Context(), stopID, s.now())
	if err != nil {
		// Crowd is best-effort display data; degrade to zero rather than
		// failing the stop panel.
		log.Printf("httpapi: crowd count for %s: %v", stopID, err)
		count = 0
	}
	writeJSON(w, http.StatusOK, map[string]int{"waiting": count})
}

// decodeSample reads a position body. geo.Point's unmarshaler accepts both
// {lat,lng} and {latitude,longitude} spellings.
func decodeSample(r *http.Request) (geo.Point, time.Time, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return geo.Point{}, time.Time{}, err
	}
	var pt geo.Point
	if err := json.Unmarshal(raw, &pt); err != nil {
		return geo.Point{}, time.Time{}, err
	}
	norm, err := pt.Normalize()
	if err != nil {
		return geo.Point{}, time.Time{}, err
	}
	var meta struct {
		Timestamp string `json:"timestamp"`
	}
	_ = json.Unmarshal(raw, &meta)
	ts := time.Time{}
	if meta.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, meta.Timestamp); err == nil {
			ts = parsed
		}
	}
	return norm, ts, nil
}

func (s *Server) handleDriverPosition(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["busID"]
	pt, ts, err := decodeSample(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err)
		return
	}
	if ts.IsZero() {
		ts = s.now()
	}
	if err := s.publisher.Publish(busID, pt, ts); err != nil {
		writeError(w, http.StatusBadGateway, "publish_failed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleNewDevice(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"deviceId": uuid.NewString()})
}

func (s *Server) handlePresenceSample(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]
	pt, _, err := decodeSample(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinate", err)
		return
	}
	s.presence.OnSample(r.Context(), deviceID, pt, s.now())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePresenceTeardown(w http.ResponseWriter, r *http.Request) {
	s.presence.Teardown(r.Context(), mux.Vars(r)["deviceID"])
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, reason string, err error) {
	body := map[string]string{"error": reason}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}
