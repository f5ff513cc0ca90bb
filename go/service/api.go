package service

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pubky/switchboard/go/approval"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/snapshot"
	"github.com/pubky/switchboard/go/state"
	log "github.com/sirupsen/logrus"
)

// RegisterAPIs registers all runtime APIs with |router|. A non-nil
// |verifier| gates every /v1 route behind bearer authentication; health
// and metrics stay open for probes and scrapers.
func RegisterAPIs(router *mux.Router, a APIs, verifier *Verifier) {
	router.
		Path("/healthz").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintln(w, "ok")
		})
	router.
		Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())

	var v1 = router.PathPrefix("/v1").Subrouter()
	if verifier != nil {
		v1.Use(verifier.Middleware)
	}

	v1.
		Path("/events").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _ = serveEvent(a, w, r) })
	v1.
		Path("/snapshots/{chat}").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _ = serveSnapshot(a, w, r) })
	v1.
		Path("/approvals").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _ = serveApprovalList(a, w, r) })
	v1.
		Path("/approvals/{id}/approve").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _ = serveDecision(a, true, w, r) })
	v1.
		Path("/approvals/{id}/reject").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _ = serveDecision(a, false, w, r) })
	v1.
		Path("/chats/{chat}/state").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _ = serveChatState(a, w, r) })
	v1.
		Path("/admin/notifications").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { a.Notify.serveSession(w, r) })
}

func serveEvent(a APIs, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if err != nil {
			log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
				Warn("event dispatch over http failed")
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}()

	var event protocol.Event
	if err = json.NewDecoder(r.Body).Decode(&event); err != nil {
		return fmt.Errorf("parsing event: %w", err)
	}

	resp, err := a.Events.HandleEvent(r.Context(), event)
	if err != nil {
		return err
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	return writeJSON(w, resp)
}

func serveSnapshot(a APIs, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}()

	snap, err := a.Snapshots.Build(r.Context(), mux.Vars(r)["chat"], snapshot.BuildOpts{})
	if err != nil {
		return err
	}
	return writeJSON(w, snap)
}

func serveApprovalList(a APIs, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}()

	var status = protocol.WriteStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = protocol.StatusPending
	}
	switch status {
	case protocol.StatusPending, protocol.StatusApproved, protocol.StatusRejected,
		protocol.StatusWritten, protocol.StatusFailed, protocol.StatusExpired:
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	writes, err := a.Approvals.List(r.Context(), status)
	if err != nil {
		return err
	}
	if writes == nil {
		writes = []protocol.PendingWrite{}
	}
	return writeJSON(w, writes)
}

func serveDecision(a APIs, approve bool, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if err != nil {
			log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
				Warn("approval decision failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}()

	// The acting reviewer comes from the request body, falling back to the
	// authenticated token subject.
	var body struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Actor == "" {
		body.Actor = subjectOf(r.Context())
	}
	if body.Actor == "" {
		body.Actor = "admin"
	}

	var id = mux.Vars(r)["id"]
	var outcome approval.Outcome
	if approve {
		outcome, err = a.Approvals.Approve(r.Context(), id, body.Actor)
	} else {
		outcome, err = a.Approvals.Reject(r.Context(), id, body.Actor)
	}
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	if !outcome.Success {
		w.WriteHeader(http.StatusConflict)
	}
	return json.NewEncoder(w).Encode(outcome)
}

func serveChatState(a APIs, w http.ResponseWriter, r *http.Request) error {
	var chatID = mux.Vars(r)["chat"]
	return writeJSON(w, struct {
		Records []state.Entry     `json:"records"`
		Flows   []state.FlowEntry `json:"flows"`
	}{
		Records: a.States.ChatRecords(chatID),
		Flows:   a.States.ChatFlows(chatID),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
