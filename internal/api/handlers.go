// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"grimm.is/gatehouse/internal/audit"
	"grimm.is/gatehouse/internal/enforcer"
	"grimm.is/gatehouse/internal/ident"
	"grimm.is/gatehouse/internal/portal"
	"grimm.is/gatehouse/internal/rules"
	"grimm.is/gatehouse/internal/session"
	"grimm.is/gatehouse/internal/store"
)

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC             string `json:"mac"`
		IP              string `json:"ip"`
		DurationSeconds int    `json:"duration_seconds"`
		AuthMethod      string `json:"auth_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.manager.GrantAccess(r.Context(), session.GrantRequest{
		MAC:        req.MAC,
		IP:         req.IP,
		Duration:   time.Duration(req.DurationSeconds) * time.Second,
		AuthMethod: req.AuthMethod,
	})
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	state := store.SessionState(r.URL.Query().Get("state"))
	sessions, err := s.manager.ListSessions(state)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(ident.SessionID(mux.Vars(r)["id"]))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = session.ReasonUserLogout
	}
	res, err := s.manager.RevokeAccess(r.Context(), ident.SessionID(mux.Vars(r)["id"]), reason)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdditionalSeconds int `json:"additional_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	expiry, err := s.manager.Extend(r.Context(), ident.SessionID(mux.Vars(r)["id"]),
		time.Duration(req.AdditionalSeconds)*time.Second)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"expires_at": expiry})
}

func (s *Server) handleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.manager.ForceDisconnect(r.Context(), ident.SessionID(mux.Vars(r)["id"]),
		req.Operator, req.Reason)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	bindings, err := s.registry.List(activeOnly)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if bindings == nil {
		bindings = []*store.Binding{}
	}
	WriteJSON(w, http.StatusOK, bindings)
}

func (s *Server) handleManualBind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC             string `json:"mac"`
		IP              string `json:"ip"`
		DurationSeconds int    `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mac, err := ident.NormalizeMAC(req.MAC)
	if err != nil {
		WriteErr(w, err)
		return
	}
	ip, err := ident.ParseIP(req.IP)
	if err != nil {
		WriteErr(w, err)
		return
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration <= 0 {
		duration = time.Hour
	}

	// Manual bindings have no owning session; they carry a synthetic
	// owner so retirement by session still works.
	owner := ident.SessionID("manual:" + uuid.NewString())
	b, conflicts, err := s.registry.Create(mac, ip, owner, time.Now().Add(duration))
	if err != nil {
		WriteErr(w, err)
		return
	}
	s.audit(audit.Event{
		Category: audit.CategoryAdmin,
		Event:    audit.EventBindingCreated,
		MAC:      mac, IP: ip,
		Detail: "manual bind",
	})
	WriteJSON(w, http.StatusCreated, map[string]any{"binding": b, "conflicts": conflicts})
}

func (s *Server) handleManualUnbind(w http.ResponseWriter, r *http.Request) {
	mac, err := ident.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		WriteErr(w, err)
		return
	}
	if err := s.registry.RetireByMAC(mac, store.RetireManual); err != nil {
		WriteErr(w, err)
		return
	}
	s.audit(audit.Event{
		Category: audit.CategoryAdmin,
		Event:    audit.EventBindingRetired,
		MAC:      mac,
		Detail:   "manual unbind",
	})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "retired"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	mac, err := ident.NormalizeMAC(r.URL.Query().Get("mac"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	ip, err := ident.ParseIP(r.URL.Query().Get("ip"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	res, err := s.registry.Validate(mac, ip)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSnapshotRules(w http.ResponseWriter, r *http.Request) {
	snap, err := s.enf.Snapshot(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	if backend := rules.Backend(r.URL.Query().Get("backend")); backend != "" {
		filtered := snap[:0]
		for _, ir := range snap {
			if ir.Backend == backend {
				filtered = append(filtered, ir)
			}
		}
		snap = filtered
	}
	if snap == nil {
		snap = []enforcer.InstalledRule{}
	}
	_, simulated := s.enf.(*enforcer.Simulator)
	WriteJSON(w, http.StatusOK, map[string]any{"simulated": simulated, "rules": snap})
}

func (s *Server) handleTriggerCleanup(w http.ResponseWriter, r *http.Request) {
	rep, err := s.loop.RunOnce(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		WriteErr(w, err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	WriteJSON(w, http.StatusOK, devices)
}

func (s *Server) handleBlockDevice(w http.ResponseWriter, r *http.Request) {
	mac, err := ident.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		WriteErr(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}
	if err := s.store.BlockDevice(mac, req.Reason); err != nil {
		WriteErr(w, err)
		return
	}
	// A blocked device loses its session immediately.
	if sess, err := s.store.ActiveSessionByMAC(mac); err == nil && sess != nil {
		if _, err := s.manager.RevokeAccess(r.Context(), sess.ID, session.ReasonAdmin); err != nil {
			s.logger.Error("block revoke failed", "session", string(sess.ID), "error", err)
		}
	}
	s.audit(audit.Event{
		Category: audit.CategoryAdmin,
		Severity: audit.SeverityWarn,
		Event:    audit.EventDeviceBlocked,
		MAC:      mac,
		Detail:   "reason=" + req.Reason,
	})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) handleUnblockDevice(w http.ResponseWriter, r *http.Request) {
	mac, err := ident.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		WriteErr(w, err)
		return
	}
	if err := s.store.UnblockDevice(mac); err != nil {
		WriteErr(w, err)
		return
	}
	s.audit(audit.Event{
		Category: audit.CategoryAdmin,
		Event:    audit.EventDeviceUnblocked,
		MAC:      mac,
	})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.store.ListAuditRecords(limit)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if recs == nil {
		recs = []*store.AuditRecord{}
	}
	WriteJSON(w, http.StatusOK, recs)
}

// The façade consults the manager through the portal predicate.
var _ portal.SessionChecker = (*session.Manager)(nil)

func (s *Server) handleClassifyProbe(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	path := r.URL.Query().Get("path")
	if host == "" && path == "" {
		WriteError(w, http.StatusBadRequest, "host or path is required")
		return
	}
	var p portal.Prober
	vendor, isProbe := p.Classify(host, path)
	resp := map[string]any{"probe": isProbe}
	if isProbe {
		resp["vendor"] = vendor
		resp["wants_empty"] = p.WantsEmptyResponse(vendor)
		if !p.WantsEmptyResponse(vendor) {
			resp["success_body"] = p.SuccessBody(vendor)
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHasActiveSession(w http.ResponseWriter, r *http.Request) {
	mac, err := ident.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		WriteErr(w, err)
		return
	}
	active, err := s.manager.HasActiveSession(mac)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func (s *Server) audit(ev audit.Event) {
	if s.sink != nil {
		s.sink.Emit(ev)
	}
}
