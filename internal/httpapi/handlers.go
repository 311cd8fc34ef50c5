package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/referral"
)

type errorResponse struct {
	Error string `json:"error"`
}

type sessionRequest struct {
	UserID            string  `json:"user_id"`
	Name              string  `json:"name"`
	Address           string  `json:"address"`
	EngagementSeconds float64 `json:"engagement_seconds"`
}

type sessionResponse struct {
	Referrer         string `json:"referrer,omitempty"`
	Confirmed        bool   `json:"confirmed"`
	Pending          bool   `json:"pending"`
	ConfirmedCount   int    `json:"confirmed_count,omitempty"`
	ThresholdReached bool   `json:"threshold_reached,omitempty"`
	Warning          string `json:"warning,omitempty"`
}

type heartbeatRequest struct {
	EngagementSeconds float64 `json:"engagement_seconds"`
}

type referralRequest struct {
	ReferrerID string `json:"referrer_id"`
	ReferredID string `json:"referred_id"`
}

type referralResponse struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome"`
	Message string `json:"message"`
	Warning string `json:"warning,omitempty"`
}

type confirmedView struct {
	ID          string `json:"id"`
	ConfirmedAt int64  `json:"confirmed_at"`
}

type pendingView struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

type userView struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	ClaimedPayout   bool            `json:"claimed_payout"`
	ConfirmedCount  int             `json:"confirmed_count"`
	PendingCount    int             `json:"pending_count"`
	Confirmed       []confirmedView `json:"confirmed"`
	Pending         []pendingView   `json:"pending"`
	ReferredBy      string          `json:"referred_by,omitempty"`
	FirstEngagement int64           `json:"first_engagement,omitempty"`
	Warning         string          `json:"warning,omitempty"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type claimResponse struct {
	Claimed   bool     `json:"claimed"`
	Consumed  []string `json:"consumed,omitempty"`
	Remaining int      `json:"remaining"`
	Required  int      `json:"required"`
	Warning   string   `json:"warning,omitempty"`
}

type topEntry struct {
	Rank      int    `json:"rank"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Confirmed int    `json:"confirmed"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func userID(r *http.Request) referral.UserID {
	return referral.UserID(strings.TrimSpace(chi.URLParam(r, "id")))
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	id := referral.UserID(strings.TrimSpace(req.UserID))
	if id == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.EngagementSeconds < 0 {
		writeError(w, http.StatusBadRequest, "engagement_seconds must not be negative")
		return
	}

	c, ack := s.sessions.SessionStarted(id, req.Name, req.Address, seconds(req.EngagementSeconds))
	writeJSON(w, http.StatusOK, sessionResponse{
		Referrer:         string(c.Referrer),
		Confirmed:        c.Confirmed,
		Pending:          c.Pending,
		ConfirmedCount:   c.ConfirmedCount,
		ThresholdReached: c.ThresholdReached,
		Warning:          s.awaitAck(r.Context(), ack),
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil || req.EngagementSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	s.sessions.Heartbeat(userID(r), seconds(req.EngagementSeconds))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.SessionEnded(userID(r)) {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func referralStatus(o ledger.AddOutcome) int {
	switch o {
	case ledger.Created:
		return http.StatusCreated
	case ledger.SelfReferral:
		return http.StatusUnprocessableEntity
	case ledger.AlreadyReferred:
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}

func (s *Server) addReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	referrer := referral.UserID(strings.TrimSpace(req.ReferrerID))
	referred := referral.UserID(strings.TrimSpace(req.ReferredID))
	if referrer == "" || referred == "" {
		writeError(w, http.StatusBadRequest, "referrer_id and referred_id are required")
		return
	}

	out, ack := s.ledger.AddReferral(referrer, referred)
	writeJSON(w, referralStatus(out), referralResponse{
		OK:      out.OK(),
		Outcome: out.String(),
		Message: out.Message(),
		Warning: s.awaitAck(r.Context(), ack),
	})
}

func (s *Server) view(rec referral.Record) userView {
	v := userView{
		ID:             string(rec.ID),
		Name:           rec.Name,
		Enabled:        rec.Enabled,
		ClaimedPayout:  rec.ClaimedPayout,
		ConfirmedCount: rec.ConfirmedCount(),
		PendingCount:   rec.PendingCount(),
		Confirmed:      make([]confirmedView, 0, len(rec.Confirmed)),
		Pending:        make([]pendingView, 0, len(rec.Pending)),
	}
	for _, c := range rec.Confirmed {
		v.Confirmed = append(v.Confirmed, confirmedView{ID: string(c.User), ConfirmedAt: c.ConfirmedAt.UnixMilli()})
	}
	for _, e := range rec.Edges() {
		if e.State == referral.EdgePending {
			v.Pending = append(v.Pending, pendingView{ID: string(e.Referred), CreatedAt: e.At.UnixMilli()})
		}
	}
	if by, ok := s.ledger.Referrer(rec.ID); ok {
		v.ReferredBy = string(by)
	}
	if at, ok := s.ledger.FirstEngagement(rec.ID); ok {
		v.FirstEngagement = at.UnixMilli()
	}
	return v
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ledger.Lookup(userID(r))
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decode(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	id := userID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	rec, ack := s.ledger.SetReferralEnabled(id, *req.Enabled)
	v := s.view(rec)
	v.Warning = s.awaitAck(r.Context(), ack)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	if _, ok := s.ledger.Lookup(id); !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	res, ack := s.ledger.ClaimPayout(id)
	resp := claimResponse{
		Claimed:   res.Claimed,
		Remaining: res.Remaining,
		Required:  res.Required,
		Warning:   s.awaitAck(r.Context(), ack),
	}
	for _, id := range res.Consumed {
		resp.Consumed = append(resp.Consumed, string(id))
	}
	status := http.StatusOK
	if !res.Claimed {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func (s *Server) top(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	recs := s.ledger.TopReferrers(limit)
	out := make([]topEntry, 0, len(recs))
	for i, rec := range recs {
		out = append(out, topEntry{Rank: i + 1, ID: string(rec.ID), Name: rec.Name, Confirmed: rec.ConfirmedCount()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	found, ack := s.ledger.ResetUser(userID(r))
	if !found {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reset":   true,
		"warning": s.awaitAck(r.Context(), ack),
	})
}

// sameAddress counts referred users sharing an address. Without an address
// query parameter the referrer's own last-seen address is used.
func (s *Server) sameAddress(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		address, _ = s.ledger.Address(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": string(id),
		"address": address,
		"count":   s.ledger.CountSameAddressReferrals(id, address),
	})
}

func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload is not available")
		return
	}
	if err := s.reload(r.Context()); err != nil {
		s.logger.Error("reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed; previous configuration kept")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}
