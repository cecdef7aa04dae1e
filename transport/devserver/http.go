package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupsync/transport"
)

// Error codes carried in HTTP error bodies so clients can map them back to
// the transport sentinels.
const (
	codeNoWelcome     = "no_welcome"
	codeEpochRejected = "epoch_rejected"
	codeNotFound      = "not_found"
	codeBadRequest    = "bad_request"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Router returns the HTTP surface of the server, one route per transport
// operation.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/conversations", s.handleCreateConversation)
		r.Route("/conversations/{convoID}", func(r chi.Router) {
			r.Post("/commits", s.handleCommit)
			r.Get("/commits", s.handleFetchCommits)
			r.Get("/welcome", s.handleGetWelcome)
			r.Get("/epoch", s.handleGetEpoch)
			r.Post("/messages", s.handleSendMessage)
			r.Get("/messages", s.handleFetchMessages)
			r.Post("/rejoins", s.handleRequestRejoin)
			r.Get("/rejoins", s.handleFetchRejoins)
		})
		r.Route("/identities/{identity}", func(r chi.Router) {
			r.Get("/conversations", s.handleExpectedConversations)
			r.Post("/key-packages", s.handlePublishKeyPackages)
			r.Get("/key-packages/stats", s.handleKeyPackageStats)
		})
		r.Post("/key-packages/claims", s.handleClaimKeyPackages)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transport.ErrNoWelcome):
		writeJSON(w, http.StatusNotFound, errorBody{Code: codeNoWelcome, Error: err.Error()})
	case errors.Is(err, transport.ErrEpochRejected):
		writeJSON(w, http.StatusConflict, errorBody{Code: codeEpochRejected, Error: err.Error()})
	case strings.Contains(err.Error(), "not found"):
		writeJSON(w, http.StatusNotFound, errorBody{Code: codeNotFound, Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Code: codeBadRequest, Error: err.Error()})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: codeBadRequest, Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Members []string `json:"members"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.CreateConversation(r.Context(), req.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"convo_id": id})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Commit  []byte `json:"commit"`
		Welcome []byte `json:"welcome,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	epoch, err := s.AddMembers(r.Context(), chi.URLParam(r, "convoID"), req.Commit, req.Welcome)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"epoch": epoch})
}

func (s *Server) handleFetchCommits(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	commits, err := s.FetchCommits(r.Context(), chi.URLParam(r, "convoID"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commits": commits})
}

func (s *Server) handleGetWelcome(w http.ResponseWriter, r *http.Request) {
	welcome, err := s.GetWelcome(r.Context(), chi.URLParam(r, "convoID"), r.URL.Query().Get("identity"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"welcome": welcome})
}

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.GetConversationEpoch(r.Context(), chi.URLParam(r, "convoID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"epoch": epoch})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload []byte `json:"payload"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	seq, err := s.SendMessage(r.Context(), chi.URLParam(r, "convoID"), req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"seq": seq})
}

func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	msgs, err := s.FetchMessages(r.Context(), chi.URLParam(r, "convoID"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleRequestRejoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyPackage []byte `json:"key_package"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.RequestRejoin(r.Context(), chi.URLParam(r, "convoID"), req.KeyPackage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"request_id": id})
}

func (s *Server) handleFetchRejoins(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.FetchRejoinRequests(r.Context(), chi.URLParam(r, "convoID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (s *Server) handleExpectedConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := s.GetExpectedConversations(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation_ids": ids})
}

func (s *Server) handlePublishKeyPackages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Packages [][]byte `json:"packages"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.PublishKeyPackages(r.Context(), chi.URLParam(r, "identity"), req.Packages); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKeyPackageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.GetKeyPackageStats(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClaimKeyPackages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identities []string `json:"identities"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	packages, err := s.ClaimKeyPackages(r.Context(), req.Identities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packages": packages})
}
