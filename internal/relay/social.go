package relay

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/petervdpas/peerchat/internal/storage"
	"github.com/petervdpas/peerchat/internal/util"
)

// UserHeader carries the caller's id. It is set by the identity provider in
// front of the relay; the relay trusts it as-is.
const UserHeader = "X-User-ID"

const maxNotificationLen = 50

// ── contacts ────────────────────────────────────────────────────────────────

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.socialCaller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		contacts, err := s.social.ListContacts(ctx, userID)
		if err != nil {
			s.storeError(w, "list contacts", err)
			return
		}
		if contacts == nil {
			contacts = []storage.Contact{}
		}
		writeJSON(w, map[string]any{"contacts": contacts})

	case http.MethodPost:
		var body struct {
			PeerID string `json:"peerId"`
			Name   string `json:"name"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		peerID, err := util.ValidateUserID(body.PeerID)
		if err != nil {
			http.Error(w, "missing peerId", http.StatusBadRequest)
			return
		}
		if peerID == userID {
			http.Error(w, "cannot add yourself", http.StatusBadRequest)
			return
		}
		c, err := s.social.AddContact(ctx, userID, peerID, body.Name, s.clock.Now())
		if err != nil {
			s.storeError(w, "add contact", err)
			return
		}
		writeJSON(w, map[string]any{"success": true, "contact": c})

	case http.MethodDelete:
		peerID, ok := userParam(w, r, "peerId")
		if !ok {
			return
		}
		err := s.social.RemoveContact(ctx, userID, peerID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "contact not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.storeError(w, "remove contact", err)
			return
		}
		writeJSON(w, map[string]any{"success": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ── contact requests ────────────────────────────────────────────────────────

func (s *Server) handleContactRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.socialCaller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	now := s.clock.Now()

	switch r.Method {
	case http.MethodGet:
		reqs, err := s.social.PendingContactRequests(ctx, userID, now)
		if err != nil {
			s.storeError(w, "pending requests", err)
			return
		}
		if reqs == nil {
			reqs = []storage.ContactRequest{}
		}
		writeJSON(w, map[string]any{"requests": reqs})

	case http.MethodPost:
		var body struct {
			TargetUserID string `json:"targetUserId"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		target, err := util.ValidateUserID(body.TargetUserID)
		if err != nil || target == userID {
			http.Error(w, "target user id required", http.StatusBadRequest)
			return
		}
		req, dup, err := s.social.CreateContactRequest(ctx, userID, target, now)
		if err != nil {
			s.storeError(w, "create request", err)
			return
		}
		resp := map[string]any{"success": true, "requestId": req.ID}
		if dup {
			resp["duplicate"] = true
		} else {
			s.addLog(fmt.Sprintf("Contact request %s → %s", userID, target))
		}
		writeJSON(w, resp)

	case http.MethodPatch:
		var body struct {
			RequestID string `json:"requestId"`
			Action    string `json:"action"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if body.RequestID == "" || (body.Action != "approve" && body.Action != "reject") {
			http.Error(w, "invalid parameters", http.StatusBadRequest)
			return
		}
		req, err := s.social.RespondContactRequest(ctx, userID, body.RequestID, body.Action == "approve", now)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "request not found", http.StatusNotFound)
			return
		case errors.Is(err, storage.ErrForbidden):
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		case err != nil:
			s.storeError(w, "respond request", err)
			return
		}
		s.addLog(fmt.Sprintf("Contact request %s → %s %s", req.From, req.To, req.Status))
		writeJSON(w, map[string]any{"success": true})

	case http.MethodDelete:
		n, err := s.social.ClearContactRequests(ctx, userID)
		if err != nil {
			s.storeError(w, "clear requests", err)
			return
		}
		writeJSON(w, map[string]any{"success": true, "deleted": n})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ── notifications ───────────────────────────────────────────────────────────

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.socialCaller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		ns, err := s.social.TakeNotifications(ctx, userID)
		if err != nil {
			s.storeError(w, "take notifications", err)
			return
		}
		if ns == nil {
			ns = []storage.Notification{}
		}
		writeJSON(w, map[string]any{"notifications": ns})

	case http.MethodPost:
		var body struct {
			To      string `json:"to"`
			Message string `json:"message"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		to, err := util.ValidateUserID(body.To)
		if err != nil || body.Message == "" {
			http.Error(w, "missing required fields", http.StatusBadRequest)
			return
		}
		err = s.social.AddNotification(ctx, storage.Notification{
			From:      userID,
			To:        to,
			Message:   util.Truncate(body.Message, maxNotificationLen),
			Timestamp: s.clock.Now().UnixMilli(),
		})
		if err != nil {
			s.storeError(w, "add notification", err)
			return
		}
		writeJSON(w, map[string]any{"success": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// socialCaller resolves the caller for the contact endpoints. It answers 501
// when the store keeps no contacts and 401 without an identity.
func (s *Server) socialCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.social == nil {
		http.Error(w, "contacts not supported by this store", http.StatusNotImplemented)
		return "", false
	}
	userID, err := util.ValidateUserID(r.Header.Get(UserHeader))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}
