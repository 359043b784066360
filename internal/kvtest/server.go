package kvtest

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server is the reference KV registry HTTP service: PUT/DELETE on
// /<key>/[<partition>/]<environment>/<instance_id>, a directory GET (with
// optional long-poll) on the trailing-slash form, and a websocket push
// channel a client can attach to for rebalance-triggering changes live
// (clusterctl does not connect to it).
type Server struct {
	store  *Store
	hub    *hub
	router *mux.Router
}

// NewServer wires the routes onto a fresh in-memory store.
func NewServer() *Server {
	s := &Server{store: NewStore(), hub: newHub()}
	go s.hub.run()

	r := mux.NewRouter()
	r.HandleFunc("/{key}/{rest:.*}/watch", s.handleWatch).Methods("GET")
	r.HandleFunc("/{key}/{rest:.*}/job/{jobID}", s.handleJobEntry).Methods("PUT", "GET", "DELETE")
	r.HandleFunc("/{key}/{rest:.*}/{instanceID}", s.handleEntry).Methods("PUT", "DELETE")
	r.HandleFunc("/{key}/{rest:.*}/", s.handleDir).Methods("GET")
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// namespace reassembles key/[partition/]environment from the route
// vars, the same path the wire contract's client builds in
// registry/kv.Backend.dirPath.
func namespace(vars map[string]string) string {
	return strings.Trim(vars["key"]+"/"+vars["rest"], "/")
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ns := namespace(vars)
	instanceID := vars["instanceID"]

	switch r.Method {
	case http.MethodPut:
		ttlSeconds, _ := strconv.Atoi(r.URL.Query().Get("ttl"))
		if ttlSeconds <= 0 {
			ttlSeconds = 120
		}
		requireExisting := r.URL.Query().Get("prevExist") == "true"
		workers, err := readWorkers(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, ok := s.store.Put(ns, instanceID, workers, time.Duration(ttlSeconds)*time.Second, requireExisting)
		if !ok {
			http.Error(w, "entry does not exist", http.StatusPreconditionFailed)
			return
		}
		s.hub.broadcast(ns, "announce", instanceID)
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		s.store.Delete(ns, instanceID)
		s.hub.broadcast(ns, "retract", instanceID)
		w.WriteHeader(http.StatusOK)
	}
}

func readWorkers(r *http.Request) (int, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// handleJobEntry serves the job sidecar's job/<id> sub-path: PUT to
// upsert a record, GET to read it back, DELETE to remove it.
// Distinct from handleEntry so job writes never touch member state or
// trigger a member-change broadcast.
func (s *Server) handleJobEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ns := namespace(vars)
	jobID := vars["jobID"]

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.store.PutJob(ns, jobID, body)
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		body, ok := s.store.GetJob(ns, jobID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)

	case http.MethodDelete:
		if !s.store.DeleteJob(ns, jobID) {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleDir(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ns := namespace(vars)

	if r.URL.Query().Get("wait") == "true" {
		s.handleAwaitChange(w, r, ns)
		return
	}

	entries := s.store.Snapshot(ns)
	wire := make([]wireEntry, len(entries))
	for i, e := range entries {
		wire[i] = wireEntry{InstanceID: e.InstanceID, Workers: e.Workers}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wire)
}

func (s *Server) handleAwaitChange(w http.ResponseWriter, r *http.Request, ns string) {
	timeoutSeconds, _ := strconv.Atoi(r.URL.Query().Get("timeoutSeconds"))
	if timeoutSeconds <= 0 {
		timeoutSeconds = 65
	}
	since := time.Unix(0, 0)
	if after := r.URL.Query().Get("after"); after != "" {
		if unix, err := strconv.ParseInt(after, 10, 64); err == nil {
			since = time.Unix(unix, 0)
		}
	}

	if s.store.Wait(ns, since, time.Duration(timeoutSeconds)*time.Second) {
		entries := s.store.Snapshot(ns)
		wire := make([]wireEntry, len(entries))
		for i, e := range entries {
			wire[i] = wireEntry{InstanceID: e.InstanceID, Workers: e.Workers}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wire)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type wireEntry struct {
	InstanceID string `json:"instance_id"`
	Workers    int    `json:"workers"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWatch upgrades to a websocket and streams announce/retract
// events for the namespace to the connected client.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ns := namespace(vars)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("kvtest: websocket upgrade error: %v", err)
		return
	}
	s.hub.register(ns, conn)

	go func() {
		defer s.hub.unregister(ns, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
