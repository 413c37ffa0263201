// Package httpapi exposes a Mailbox over HTTP: the push/peek/pop verbs
// a provisioned host calls back on, and the read-only cloud-init
// sub-paths served from the instance's own config.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/mailbox"
	"github.com/oshpc/laasd/pkg/storage"
)

// CloudInitSource resolves the data a cloud-init file needs for a given
// instance. The provisioning package supplies the concrete
// implementation; this interface exists so httpapi doesn't import
// pkg/provisioning and create a cycle.
type CloudInitSource interface {
	DocsFor(instanceID string) (mailbox.CloudInitDocs, error)
	PostProvisionEndpoint(instanceID string) (mailbox.Endpoint, bool)
}

// Server is the HTTP adapter over a Mailbox.
type Server struct {
	mb     *mailbox.Mailbox
	hooks  *mailbox.Hooks
	source CloudInitSource
	mux    *http.ServeMux
}

// New builds a Server. db backs the endpoint-hook registry; source
// resolves cloud-init rendering inputs.
func New(db *storage.DB, mb *mailbox.Mailbox, source CloudInitSource) *Server {
	s := &Server{
		mb:     mb,
		hooks:  mailbox.NewHooks(db, mb),
		source: source,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/", s.handleRoute)
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

// handleRoute dispatches on path shape: /{instance}/{token}/{verb...}.
// verb is one of push, peek, pop, or cloud-init/{user-data,vendor-data,
// network-config,meta-data}.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}
	instanceID, token, verb := parts[0], parts[1], parts[2]
	ep := mailbox.Endpoint{InstanceID: instanceID, Token: token}

	switch {
	case verb == "push":
		s.handlePush(w, r, ep)
	case verb == "peek":
		s.handlePeek(w, r, ep)
	case verb == "pop":
		s.handlePop(w, r, ep)
	case strings.HasPrefix(verb, "cloud-init/"):
		s.handleCloudInit(w, r, instanceID, strings.TrimPrefix(verb, "cloud-init/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, ep mailbox.Endpoint) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	s.mb.Push(ep, string(body))
	log.WithComponent("mailbox-http").Info().
		Str("instance_id", ep.InstanceID).
		Msg("received push")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request, ep mailbox.Endpoint) {
	msg, ok := s.mb.Peek(ep)
	if !ok {
		http.Error(w, "no message queued", http.StatusNotFound)
		return
	}
	writeJSON(w, msg)
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request, ep mailbox.Endpoint) {
	msg, ok := s.mb.Pop(ep)
	if !ok {
		http.Error(w, "no message queued", http.StatusNotFound)
		return
	}
	writeJSON(w, msg)
}

func (s *Server) handleCloudInit(w http.ResponseWriter, r *http.Request, instanceID, file string) {
	docs, err := s.source.DocsFor(instanceID)
	if err != nil {
		http.Error(w, "instance config not found", http.StatusNotFound)
		return
	}

	var (
		content string
		rerr    error
	)
	switch file {
	case "user-data":
		content, rerr = docs.UserData()
	case "meta-data":
		content, rerr = docs.MetaData()
	case "network-config":
		content, rerr = docs.NetworkConfig()
	case "vendor-data":
		postProvision, ok := s.source.PostProvisionEndpoint(instanceID)
		if !ok {
			http.Error(w, "no post-provision hook registered", http.StatusNotFound)
			return
		}
		content, rerr = docs.VendorData(postProvision)
	default:
		http.NotFound(w, r)
		return
	}
	if rerr != nil {
		log.WithComponent("mailbox-http").Error().Err(rerr).Msg("failed to render cloud-init file")
		http.Error(w, "failed to render cloud-init file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(content))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
