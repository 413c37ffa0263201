package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/notify"
	"github.com/oshpc/laasd/pkg/provisioning"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
)

// Server is the dashboard's HTTP adapter. Every handler does one thing:
// decode a request body, call a single Orchestrator (or Notifier)
// method, and encode the result — no business logic lives here.
type Server struct {
	orch     *provisioning.Orchestrator
	notifier *notify.Notifier
	mux      *http.ServeMux
}

// New builds a Server routing onto orch and notifier.
func New(orch *provisioning.Orchestrator, notifier *notify.Notifier) *Server {
	s := &Server{orch: orch, notifier: notifier, mux: http.NewServeMux()}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/templates", s.handleCreateTemplate)
	s.mux.HandleFunc("/bookings", s.handleCreateBooking)
	s.mux.HandleFunc("/bookings/", s.handleBookingSubroute)
	s.mux.HandleFunc("/instances/", s.handleInstanceSubroute)
	return s
}

// Handler returns the server's http.Handler, for embedding under
// another mux or a TLS listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts a standalone HTTP server bound to addr.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var tmpl types.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	created, err := s.orch.CreateTemplate(tmpl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req provisioning.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	agg, err := s.orch.CreateBooking(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agg)
}

// handleBookingSubroute dispatches /bookings/{id}[/{action}], where
// action is one of "extend" or "notify-expiring"; no action means
// read-status on GET or end-booking on DELETE.
func (s *Server) handleBookingSubroute(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitSubroute(r.URL.Path, "/bookings/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleBookingStatus(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleEndBooking(w, r, id)
	case action == "extend" && r.Method == http.MethodPost:
		s.handleExtendBooking(w, r, id)
	case action == "notify-expiring" && r.Method == http.MethodPost:
		s.handleNotifyExpiring(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleBookingStatus(w http.ResponseWriter, r *http.Request, aggregateID string) {
	status, err := s.orch.GetBookingStatus(aggregateID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEndBooking(w http.ResponseWriter, r *http.Request, aggregateID string) {
	if err := s.orch.EndBooking(aggregateID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extendRequest struct {
	NewEnd time.Time `json:"new_end"`
}

func (s *Server) handleExtendBooking(w http.ResponseWriter, r *http.Request, aggregateID string) {
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.orch.ExtendAggregate(aggregateID, req.NewEnd); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notifyExpiringRequest struct {
	To           string `json:"to"`
	TemplateName string `json:"template_name"`
}

// handleNotifyExpiring sends the booking-expiring notification for
// aggregateID. The reconciler's expiry pass tears aggregates down but
// sends no notification; this endpoint lets an operator or a scheduled
// job outside the core trigger the email on demand (e.g. "N days before
// end").
func (s *Server) handleNotifyExpiring(w http.ResponseWriter, r *http.Request, aggregateID string) {
	var req notifyExpiringRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	status, err := s.orch.GetBookingStatus(aggregateID)
	if err != nil {
		writeError(w, err)
		return
	}
	data := notify.BookingEventData{
		AggregateID: status.Aggregate.ID,
		Owner:       status.Aggregate.Owner,
		Purpose:     status.Aggregate.Purpose,
		End:         status.Aggregate.End.Format(time.RFC3339),
	}
	if err := s.notifier.NotifyBookingExpiring(req.To, req.TemplateName, data); err != nil {
		log.WithComponent("api").Error().Err(err).Str("aggregate_id", aggregateID).Msg("failed to send expiry notification")
		http.Error(w, "failed to send notification", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInstanceSubroute dispatches /instances/{id}/{action}, where
// action is "reimage" or "power".
func (s *Server) handleInstanceSubroute(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitSubroute(r.URL.Path, "/instances/")
	if !ok || action == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "reimage" && r.Method == http.MethodPost:
		s.handleReimage(w, r, id)
	case action == "power" && r.Method == http.MethodPost:
		s.handlePower(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type reimageRequest struct {
	Image string `json:"image"`
}

func (s *Server) handleReimage(w http.ResponseWriter, r *http.Request, instanceID string) {
	var req reimageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.orch.ReimageInstance(instanceID, req.Image); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type powerRequest struct {
	Action string `json:"action"`
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request, instanceID string) {
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.orch.RequestPowerForInstance(instanceID, req.Action); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// splitSubroute splits "{prefix}{id}/{action}" (action may be absent)
// into id and action, reporting ok=false if no id segment is present.
func splitSubroute(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if id == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an Orchestrator error to a response: a storage
// lookup miss becomes 404, anything else (validation, allocation
// failure) becomes 400 with the error text as detail.
func writeError(w http.ResponseWriter, err error) {
	log.WithComponent("api").Error().Err(err).Msg("request failed")
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
