// Command clusterctl is a demo harness for libcluster: it joins a
// cluster from flags, serves /health and /status over gorilla/mux, and
// prints every rebalance transition to stdout. It exists to exercise the
// engine end-to-end against either the reference kvtest server or a real
// SQL registry; it is not a supported production daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/bbcarchdev/libcluster"
	"github.com/bbcarchdev/libcluster/internal/kvtest"
)

const version = "0.1.0"

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:9100", "Listen address for /health and /status")
	registryEndpoint := flag.String("registry", "", "Registry endpoint (http(s)://..., sqlite3://path, postgres://...). Empty runs a local kvtest server.")
	clusterKey := flag.String("key", "demo", "Cluster key")
	environment := flag.String("environment", "", "Environment (defaults to production)")
	partition := flag.String("partition", "", "Partition (optional)")
	workers := flag.Int("workers", 1, "Worker slots this instance offers")
	passive := flag.Bool("passive", false, "Join passively (observe balance, never take a range)")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	endpoint := *registryEndpoint
	if endpoint == "" {
		srv := kvtest.NewServer()
		httpSrv := &http.Server{Addr: "127.0.0.1:9101", Handler: srv}
		go func() {
			log.Printf("clusterctl: embedded kvtest registry listening on %s", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("clusterctl: kvtest server failed: %v", err)
			}
		}()
		endpoint = "http://127.0.0.1:9101"
	}

	c, err := libcluster.New(*clusterKey)
	if err != nil {
		log.Fatalf("clusterctl: new cluster: %v", err)
	}
	if *environment != "" {
		if err := c.SetEnvironment(*environment); err != nil {
			log.Fatalf("clusterctl: set environment: %v", err)
		}
	}
	if *partition != "" {
		if err := c.SetPartition(*partition); err != nil {
			log.Fatalf("clusterctl: set partition: %v", err)
		}
	}
	if err := c.SetWorkers(*workers); err != nil {
		log.Fatalf("clusterctl: set workers: %v", err)
	}
	if err := c.SetRegistry(endpoint); err != nil {
		log.Fatalf("clusterctl: set registry: %v", err)
	}
	c.SetVerbose(*verbose)

	var mu sync.Mutex
	var lastState libcluster.State
	if err := c.SetRebalanceCallback(func(cl *libcluster.Cluster, s libcluster.State) {
		mu.Lock()
		lastState = s
		mu.Unlock()
		fmt.Printf("rebalance: index=%d workers=%d total=%d passive=%v\n", s.Index, s.Workers, s.Total, s.Passive)
	}); err != nil {
		log.Fatalf("clusterctl: set rebalance callback: %v", err)
	}

	if *passive {
		err = c.JoinPassive()
	} else {
		err = c.Join()
	}
	if err != nil {
		log.Fatalf("clusterctl: join failed: %v", err)
	}
	defer c.Leave()

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods("GET")
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		s := lastState
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"version":     version,
			"instance_id": c.InstanceID(),
			"index":       s.Index,
			"workers":     s.Workers,
			"total":       s.Total,
			"passive":     s.Passive,
		})
	}).Methods("GET")

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("clusterctl: listening on %s (instance %s)", *listenAddr, c.InstanceID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("clusterctl: server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("clusterctl: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
