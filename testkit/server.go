package testkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/open-rails/subkit/remote"
)

// Server exposes a RemoteAuthority over the engine's wire protocol, so the
// production remote.Client can be exercised end to end without a real
// authorization server.
type Server struct {
	*RemoteAuthority
	srv *httptest.Server
}

// NewServer starts a fake authorization server. Call Close when done.
func NewServer() *Server {
	s := &Server{RemoteAuthority: NewRemoteAuthority()}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/apple", s.handleAuth)
	mux.HandleFunc("GET /user/status", s.handleStatus)
	mux.HandleFunc("POST /payment/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /user/redeem", s.handleRedeem)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the server base URL for remote.NewClient.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

func writeEntitlement(w http.ResponseWriter, ent remote.Entitlement) {
	body := map[string]any{"status": "ok", "is_subscribed": ent.Active}
	if ent.Expiry != nil {
		body["subscription_expires_at"] = ent.Expiry.UTC().Format(time.RFC3339)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IdentityToken string `json:"identity_token"`
		UserID        string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ent, err := s.Authenticate(r.Context(), in.IdentityToken, in.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeEntitlement(w, ent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ent, err := s.QueryStatus(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeEntitlement(w, ent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID         string `json:"user_id"`
		ExplicitExpiry string `json:"explicit_expiry"`
		Days           int    `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var expiry *time.Time
	if in.ExplicitExpiry != "" {
		t, err := time.Parse(time.RFC3339, in.ExplicitExpiry)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		expiry = &t
	} else if in.Days > 0 {
		t := time.Now().AddDate(0, 0, in.Days)
		expiry = &t
	}
	if err := s.ReportPurchase(r.Context(), in.UserID, expiry); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID     string `json:"user_id"`
		InviteCode string `json:"invite_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ent, err := s.Redeem(r.Context(), in.UserID, in.InviteCode)
	if err != nil {
		if remote.IsInvalidCode(err) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid invite code"})
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeEntitlement(w, ent)
}
