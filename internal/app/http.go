package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"rapid/sos-relay/internal/mesh"
	"rapid/sos-relay/internal/model"
	"rapid/sos-relay/internal/sos"
	"rapid/sos-relay/internal/store"
)

const maxBodyBytes = 1 << 20

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/sos", a.handleSOS)
	mux.HandleFunc("/api/sos/arm", a.handleArm)
	mux.HandleFunc("/api/sos/motion", a.handleMotion)
	mux.HandleFunc("/api/sos/drain", a.handleDrain)
	mux.HandleFunc("/api/sos/queue", a.handleQueue)
	mux.HandleFunc("/api/contacts", a.handleContacts)
	mux.HandleFunc("/api/profile", a.handleProfile)
	mux.HandleFunc("/api/vault", a.handleVault)
	mux.HandleFunc("/api/mesh/status", a.handleMeshStatusRoute)
	mux.HandleFunc("/api/mesh/broadcast", a.handleMeshBroadcast)
	mux.HandleFunc("/api/mesh/inbox", a.handleMeshInbox)
	mux.HandleFunc("/api/mesh/discovery", a.handleMeshDiscovery)
	mux.HandleFunc("/api/mesh/peer", a.handleMeshPeer)
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	queue, err := a.store.SOSQueue(ctx)
	if err != nil {
		a.logger.Error("failed to load sos queue", "error", err)
	}
	usage, err := a.store.Usage(ctx)
	if err != nil {
		a.logger.Error("failed to measure store", "error", err)
	}
	pending, failed := 0, 0
	for _, alert := range queue {
		switch alert.Status {
		case model.StatusPending:
			pending++
		case model.StatusFailed:
			failed++
		}
	}

	resp := struct {
		NodeID   string            `json:"node_id"`
		NodeName string            `json:"node_name"`
		Online   bool              `json:"online"`
		Store    store.Diagnostics `json:"store"`
		Usage    store.Usage       `json:"usage"`
		Mesh     mesh.Status       `json:"mesh"`
		Queue    struct {
			Pending int `json:"pending"`
			Failed  int `json:"failed"`
		} `json:"queue"`
		Armed []sos.Countdown `json:"armed"`
	}{
		NodeID:   a.nodeID,
		NodeName: a.cfg.NodeName,
		Online:   a.monitor.IsOnline(),
		Store:    a.store.Diagnostics(),
		Usage:    usage,
		Mesh:     a.engine.Status(),
		Armed:    a.coordinator.Pending(),
	}
	resp.Queue.Pending = pending
	resp.Queue.Failed = failed

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSOS(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Message    string   `json:"message"`
		ContactIDs []string `json:"contact_ids"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	contacts, err := a.store.Contacts(r.Context())
	if err != nil {
		a.logger.Error("failed to load contacts", "error", err)
		http.Error(w, "failed to load contacts", http.StatusInternalServerError)
		return
	}
	contacts = selectContacts(contacts, req.ContactIDs)

	res, err := a.coordinator.Dispatch(r.Context(), req.Message, contacts)
	if errors.Is(err, sos.ErrNoContacts) {
		http.Error(w, "no emergency contacts configured", http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		a.logger.Error("sos dispatch failed", "error", err)
		http.Error(w, "sos dispatch failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !res.Delivered {
		status = http.StatusAccepted
	}
	a.writeJSON(w, status, res)
}

// selectContacts keeps contacts whose id is listed; an empty list keeps them all.
func selectContacts(contacts []model.Contact, ids []string) []model.Contact {
	if len(ids) == 0 {
		return contacts
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]model.Contact, 0, len(ids))
	for _, c := range contacts {
		if _, ok := want[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (a *App) handleArm(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.writeJSON(w, http.StatusOK, struct {
			Armed []sos.Countdown `json:"armed"`
		}{Armed: a.coordinator.Pending()})
	case http.MethodPost:
		var req struct {
			Trigger string `json:"trigger"`
			Message string `json:"message"`
		}
		if !a.decode(w, r, &req) {
			return
		}
		trigger := sos.Trigger(strings.ToLower(strings.TrimSpace(req.Trigger)))
		if trigger == "" {
			trigger = sos.TriggerManual
		}
		cd, err := a.coordinator.Arm(r.Context(), trigger, req.Message)
		if err != nil {
			a.armError(w, err)
			return
		}
		a.writeJSON(w, http.StatusAccepted, cd)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if !a.coordinator.Cancel(id) {
			http.Error(w, "countdown not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) armError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sos.ErrNoContacts):
		http.Error(w, "no emergency contacts configured", http.StatusUnprocessableEntity)
	case errors.Is(err, sos.ErrTriggerDisabled):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, sos.ErrUnknownTrigger):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, sos.ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	default:
		a.logger.Error("failed to arm sos", "error", err)
		http.Error(w, "failed to arm sos", http.StatusInternalServerError)
	}
}

func (a *App) handleMotion(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		Z float64 `json:"z"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	cd, armed, err := a.coordinator.ReportMotion(r.Context(), req.X, req.Y, req.Z)
	if err != nil {
		a.armError(w, err)
		return
	}
	if !armed {
		a.writeJSON(w, http.StatusOK, struct {
			Armed bool `json:"armed"`
		}{})
		return
	}
	a.writeJSON(w, http.StatusAccepted, struct {
		Armed     bool          `json:"armed"`
		Countdown sos.Countdown `json:"countdown"`
	}{Armed: true, Countdown: cd})
}

func (a *App) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	report, err := a.coordinator.DrainQueue(ctx)
	if err != nil {
		a.logger.Error("sos queue drain failed", "error", err)
		http.Error(w, "failed to drain queue", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

func (a *App) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	queue, err := a.store.SOSQueue(ctx)
	if err != nil {
		a.logger.Error("failed to load sos queue", "error", err)
		http.Error(w, "failed to load queue", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Alerts []model.Alert `json:"alerts"`
	}{Alerts: queue})
}

func (a *App) handleContacts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		contacts, err := a.store.Contacts(ctx)
		if err != nil {
			a.storeError(w, "load contacts", err)
			return
		}
		a.writeJSON(w, http.StatusOK, struct {
			Contacts []model.Contact `json:"contacts"`
		}{Contacts: contacts})
	case http.MethodPut:
		var req struct {
			Contacts []model.Contact `json:"contacts"`
		}
		if !a.decode(w, r, &req) {
			return
		}
		seen := make(map[string]struct{}, len(req.Contacts))
		for _, c := range req.Contacts {
			if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.PhoneNumber) == "" {
				http.Error(w, "every contact needs an id and phone_number", http.StatusBadRequest)
				return
			}
			if _, dup := seen[c.ID]; dup {
				http.Error(w, "duplicate contact id "+c.ID, http.StatusBadRequest)
				return
			}
			seen[c.ID] = struct{}{}
		}
		if err := a.store.SaveContacts(ctx, req.Contacts); err != nil {
			a.storeError(w, "save contacts", err)
			return
		}
		a.logger.Info("emergency contacts updated", "count", len(req.Contacts))
		a.writeJSON(w, http.StatusOK, struct {
			Contacts []model.Contact `json:"contacts"`
		}{Contacts: req.Contacts})
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		profile, err := a.store.Profile(ctx)
		if err != nil {
			a.storeError(w, "load profile", err)
			return
		}
		if profile == nil {
			http.Error(w, "profile not set", http.StatusNotFound)
			return
		}
		a.writeJSON(w, http.StatusOK, profile)
	case http.MethodPut:
		var profile model.Profile
		if !a.decode(w, r, &profile) {
			return
		}
		if profile.Preferences.SOSTimeout < 0 {
			http.Error(w, "sos_timeout must not be negative", http.StatusBadRequest)
			return
		}
		if err := a.store.SaveProfile(ctx, profile); err != nil {
			a.storeError(w, "save profile", err)
			return
		}
		a.writeJSON(w, http.StatusOK, profile)
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVault manages encrypted documents. Bodies carry the already-encoded document data.
func (a *App) handleVault(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			doc, err := a.store.VaultDoc(ctx, id)
			if err != nil {
				a.storeError(w, "load vault document", err)
				return
			}
			if doc == nil {
				http.Error(w, "document not found", http.StatusNotFound)
				return
			}
			a.writeJSON(w, http.StatusOK, doc)
			return
		}
		docs, err := a.store.AllVaultDocs(ctx)
		if err != nil {
			a.storeError(w, "load vault", err)
			return
		}
		a.writeJSON(w, http.StatusOK, struct {
			Documents []model.VaultDoc `json:"documents"`
		}{Documents: docs})
	case http.MethodPut:
		var doc model.VaultDoc
		if !a.decode(w, r, &doc) {
			return
		}
		if strings.TrimSpace(doc.ID) == "" || doc.EncryptedData == "" {
			http.Error(w, "id and encrypted_data are required", http.StatusBadRequest)
			return
		}
		if doc.UploadedAt.IsZero() {
			doc.UploadedAt = time.Now().UTC()
		}
		doc.Size = int64(len(doc.EncryptedData))
		if err := a.store.SaveVaultDoc(ctx, doc); err != nil {
			a.storeError(w, "save vault document", err)
			return
		}
		a.writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if err := a.store.DeleteVaultDoc(ctx, id); err != nil {
			a.storeError(w, "delete vault document", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) handleMeshStatusRoute(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		mesh.Status
		PeerList []mesh.Peer `json:"peer_list"`
	}{Status: a.engine.Status(), PeerList: a.engine.Peers()})
}

func (a *App) handleMeshBroadcast(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Text string `json:"text"`
		To   string `json:"to"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	payload := mesh.TextPayload{Text: strings.TrimSpace(req.Text), From: a.cfg.NodeName}
	if err := payload.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	type response struct {
		EnvelopeID string `json:"envelope_id"`
		Status     string `json:"status"`
		Error      string `json:"error,omitempty"`
	}

	if req.To != "" {
		env, err := a.engine.SendToDevice(r.Context(), req.To, payload)
		if err != nil {
			a.writeJSON(w, http.StatusBadGateway, response{EnvelopeID: env.ID, Status: "failed", Error: err.Error()})
			return
		}
		a.writeJSON(w, http.StatusOK, response{EnvelopeID: env.ID, Status: "sent"})
		return
	}

	env, err := a.engine.Broadcast(r.Context(), payload)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, response{EnvelopeID: env.ID, Status: "sent"})
	case errors.Is(err, mesh.ErrNotRunning):
		http.Error(w, "mesh engine stopped", http.StatusServiceUnavailable)
	default:
		a.writeJSON(w, http.StatusAccepted, response{EnvelopeID: env.ID, Status: "queued", Error: err.Error()})
	}
}

// handleMeshDiscovery starts or stops peer discovery. Both directions are idempotent.
func (a *App) handleMeshDiscovery(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var err error
	if req.Enabled {
		err = a.engine.Start(ctx)
	} else {
		err = a.engine.Stop(ctx)
	}
	switch {
	case errors.Is(err, mesh.ErrNoTransport):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, mesh.ErrNotRunning):
		http.Error(w, "mesh engine stopped", http.StatusServiceUnavailable)
		return
	case err != nil:
		a.logger.Error("toggle mesh discovery", "enabled", req.Enabled, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, a.engine.Status())
}

func (a *App) handleMeshPeer(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.engine.Disconnect(ctx, id); err != nil && !errors.Is(err, mesh.ErrNoTransport) {
		a.logger.Warn("disconnect mesh peer", "peer", id, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMeshInbox(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Alerts []ReceivedSOS `json:"alerts"`
	}{Alerts: a.inbox.list()})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *App) storeError(w http.ResponseWriter, op string, err error) {
	a.logger.Error("store request failed", "op", op, "error", err)
	if errors.Is(err, store.ErrSecureUnavailable) {
		http.Error(w, "secure storage unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "failed to "+op, http.StatusInternalServerError)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
