package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/charging-platform/ev-charger-proxy/internal/accounting"
	"github.com/charging-platform/ev-charger-proxy/internal/upstream"
)

const welcomePage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>EV Charger Proxy</title>
</head>
<body>
  <h1>EV Charger Proxy</h1>
  <p>Proxy your EV charger to multiple backends and log charging sessions.</p>
  <ul>
    <li><a href="/charger">/charger</a> (WebSocket for charger)</li>
    <li><a href="/backend?id=your_backend_id">/backend?id=your_backend_id</a> (WebSocket for backend)</li>
    <li><a href="/sessions">/sessions</a> (JSON session data)</li>
    <li><a href="/sessions.csv">/sessions.csv</a> (CSV session data)</li>
    <li><a href="/status">/status</a> (backend status and control owner)</li>
    <li><a href="/override">/override</a> (POST to override control owner)</li>
  </ul>
</body>
</html>
`

// statusResponse /status响应体
type statusResponse struct {
	WebsocketBackends []string                   `json:"websocket_backends"`
	LockOwner         string                     `json:"lock_owner"`
	OCPPServices      map[string]upstream.Health `json:"ocpp_services"`
}

// overrideRequest /override请求体
type overrideRequest struct {
	BackendID string `json:"backend_id"`
}

// overrideResponse /override响应体
type overrideResponse struct {
	Success bool   `json:"success"`
	Owner   string `json:"owner"`
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(welcomePage))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionsJSON(w http.ResponseWriter, r *http.Request) {
	records, err := s.listSessions(r)
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to list sessions")
		http.Error(w, "failed to read session log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSessionsCSV(w http.ResponseWriter, r *http.Request) {
	records, err := s.listSessions(r)
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to list sessions")
		http.Error(w, "failed to read session log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	writer := csv.NewWriter(w)
	writer.Write([]string{"timestamp", "backend_id", "duration_s", "energy_kwh", "revenue"})
	for _, rec := range records {
		writer.Write([]string{
			rec.Timestamp.Format(time.RFC3339),
			rec.BackendID,
			strconv.FormatFloat(rec.DurationS, 'f', -1, 64),
			strconv.FormatFloat(rec.EnergyKWh, 'f', -1, 64),
			strconv.FormatFloat(rec.Revenue, 'f', -1, 64),
		})
	}
	writer.Flush()
}

func (s *Server) listSessions(r *http.Request) ([]accounting.SessionRecord, error) {
	records, err := s.sessions.ListAll(r.Context())
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []accounting.SessionRecord{}
	}
	return records, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		WebsocketBackends: s.subscribers.IDs(),
		LockOwner:         s.lock.Holder(),
		OCPPServices:      map[string]upstream.Health{},
	}
	if s.services != nil {
		resp.OCPPServices = s.services.HealthAll()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ok, owner := s.lock.ForceOverride(r.Context(), req.BackendID)
	writeJSON(w, http.StatusOK, overrideResponse{Success: ok, Owner: owner})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
