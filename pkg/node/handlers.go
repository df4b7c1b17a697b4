package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Healthz returns 200 OK while the listener is up and 503 after Close.
func (m *Manager) Healthz(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	up := m.started && !m.closed
	m.mu.Unlock()
	if !up {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, connectivity
// and ApplicationData counters.
func (m *Manager) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID  int       `json:"pid"`
		Now  time.Time `json:"now"`
		Addr string    `json:"addr"`
		State
		Sent     uint64 `json:"sent"`
		Received uint64 `json:"received"`
	}
	r := resp{PID: os.Getpid(), Now: time.Now(), State: m.CurrentState()}
	if a := m.Addr(); a != nil {
		r.Addr = a.String()
	}
	r.Sent, r.Received = m.Counters()
	data, err := json.Marshal(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
