package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type executeRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body", "code": "BAD_REQUEST"})
		return
	}
	rows, err := s.core.Execute(r.Context(), req.SQL, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type bulkRequest struct {
	Records []json.RawMessage `json:"records"`
}

func (s *Server) handleBulkInsert(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body", "code": "BAD_REQUEST"})
		return
	}
	inserted, err := s.core.BulkInsert(r.Context(), target, req.Records)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"inserted": inserted})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.core.ExportSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="soledb-snapshot.db"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type importRequest struct {
	Data     []byte          `json:"data"`
	Manifest json.RawMessage `json:"manifest,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body", "code": "BAD_REQUEST"})
		return
	}
	report, err := s.core.ImportSnapshot(r.Context(), req.Data, req.Manifest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearTable(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ClearTable(r.Context(), chi.URLParam(r, "table")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.core.FactoryReset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.core.CancelActiveOperations()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleAcceptReadOnly(w http.ResponseWriter, r *http.Request) {
	if err := s.core.AcceptReadOnlyMode(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"read_only": true})
}

type logLevelRequest struct {
	Level string `json:"level"`
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body", "code": "BAD_REQUEST"})
		return
	}
	if err := s.core.SetLogLevel(r.Context(), req.Level); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"level": req.Level})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := s.core.Diagnostics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleStorageStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.StorageStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":       s.core.InstanceID(),
		"role":              s.core.Role().String(),
		"conflict_detected": s.core.ConflictDetected(),
		"read_only":         s.core.ReadOnlyAccepted(),
		"pending_requests":  s.core.PendingRequests(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h, err := s.core.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "latency_us": h.LatencyUS})
}
