// Package monitor serves a read-only HTTP view of a running controller
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sugawarayuuta/sonnet"

	"github.com/ehrlich-b/go-nvmeq"
)

// Controller is the view of a controller the monitor reports on
type Controller interface {
	ID() string
	QueueStates() []nvmeq.QueueState
	QueueStatesByID(id uint16) []nvmeq.QueueState
	MetricsSnapshot() nvmeq.MetricsSnapshot
	PendingAborts() int
}

type Logger interface {
	Printf(format string, args ...interface{})
}

// Monitor is the HTTP monitoring endpoint
type Monitor struct {
	ctrl   Controller
	addr   string
	router *mux.Router
	logger Logger

	mu     sync.Mutex
	server *http.Server
}

type queuesResponse struct {
	Controller string             `json:"controller"`
	Queues     []nvmeq.QueueState `json:"queues"`
}

type abortEntry struct {
	SQID uint16   `json:"sqid"`
	CIDs []uint16 `json:"cids"`
}

type abortsResponse struct {
	Pending int          `json:"pending"`
	Queues  []abortEntry `json:"queues"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a monitor for ctrl that will listen on addr
func New(ctrl Controller, addr string, logger Logger) *Monitor {
	m := &Monitor{
		ctrl:   ctrl,
		addr:   addr,
		logger: logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/controller", m.controller).Methods(http.MethodGet)
	r.HandleFunc("/api/queues", m.listQueues).Methods(http.MethodGet)
	r.HandleFunc("/api/queue/{id}", m.queueDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", m.metrics).Methods(http.MethodGet)
	r.HandleFunc("/api/aborts", m.aborts).Methods(http.MethodGet)
	m.router = r

	return m
}

// Handler returns the router, for embedding or tests
func (m *Monitor) Handler() http.Handler {
	return m.router
}

// Start listens and serves in the background. It returns the bound address,
// which differs from the configured one when the port is 0.
func (m *Monitor) Start() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		return "", errors.New("monitor already started")
	}

	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return "", fmt.Errorf("monitor listen %s: %w", m.addr, err)
	}

	m.server = &http.Server{
		Handler:           m.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && m.logger != nil {
			m.logger.Printf("monitor: serve: %v", err)
		}
	}(m.server)

	bound := listener.Addr().String()
	if m.logger != nil {
		m.logger.Printf("monitoring controller %s on http://%s", m.ctrl.ID(), bound)
	}
	return bound, nil
}

// Shutdown stops the server gracefully
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (m *Monitor) controller(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":             m.ctrl.ID(),
		"pending_aborts": m.ctrl.PendingAborts(),
	})
}

func (m *Monitor) listQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, queuesResponse{
		Controller: m.ctrl.ID(),
		Queues:     m.ctrl.QueueStates(),
	})
}

func (m *Monitor) queueDetails(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid queue id %q", raw)})
		return
	}

	states := m.ctrl.QueueStatesByID(uint16(id))
	if len(states) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("queue %d not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (m *Monitor) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.ctrl.MetricsSnapshot())
}

func (m *Monitor) aborts(w http.ResponseWriter, _ *http.Request) {
	resp := abortsResponse{
		Pending: m.ctrl.PendingAborts(),
		Queues:  []abortEntry{},
	}
	for _, s := range m.ctrl.QueueStates() {
		if s.Kind == "sq" && len(s.Aborts) > 0 {
			resp.Queues = append(resp.Queues, abortEntry{SQID: s.ID, CIDs: s.Aborts})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
