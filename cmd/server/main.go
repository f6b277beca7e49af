package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/screenmesh/screenmesh/internal/config"
	"github.com/screenmesh/screenmesh/internal/coordinator"
	"github.com/screenmesh/screenmesh/internal/logging"
	"github.com/screenmesh/screenmesh/internal/nat"
	"github.com/screenmesh/screenmesh/internal/session"
	"github.com/screenmesh/screenmesh/internal/signaling"
)

// Health Check endpoint
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Coordination server is healthy."))
}

func main() {
	logging.Init()
	log := slog.Default()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}

	registry := session.NewRegistry(cfg.MaxMembers, log)
	coord := coordinator.New(cfg.CoordinationTimeout, log)
	classifier := &nat.HeuristicClassifier{CoordinationEnabled: cfg.EnableCoordination}
	router := signaling.NewRouter(registry, coord, classifier, cfg.EnableCoordination, log)
	hub := signaling.NewHub(router, log)

	done := make(chan struct{})
	go hub.Run(done)
	coord.Start(cfg.CoordinationSweep, done)
	registry.StartReaper(cfg.RoomReapInterval, done)

	http.HandleFunc("/health", healthCheckHandler)
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		signaling.ServeWs(hub, log, w, r)
	})

	log.Info("starting coordination server",
		"addr", cfg.ListenAddr,
		"coordination", cfg.EnableCoordination,
		"maxMembers", cfg.MaxMembers,
	)
	if err := http.ListenAndServe(cfg.ListenAddr, nil); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
