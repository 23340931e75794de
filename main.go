// ABOUTME: Entry point for the Hearback ingest daemon
// ABOUTME: Parses CLI flags, loads config, runs the server, archives the session
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hearback-Project/hearback-go/internal/export"
	"github.com/Hearback-Project/hearback-go/internal/server"
	"github.com/Hearback-Project/hearback-go/internal/version"
	"github.com/Hearback-Project/hearback-go/pkg/hearback"
)

var (
	configPath  = flag.String("config", "hearback.yaml", "Daemon configuration file")
	listen      = flag.String("listen", "", "Override listen address, e.g. :9137")
	name        = flag.String("name", "", "Rig friendly name (default: from config or hostname)")
	archivePath = flag.String("archive", "", "SQLite database to archive the session into (empty = no archive)")
	enableMDNS  = flag.Bool("mdns", true, "Advertise the rig via mDNS")
	logFile     = flag.String("log-file", "", "Log file path (empty = stdout only)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer func() { _ = f.Close() }()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *name != "" {
		cfg.Name = *name
	} else if cfg.Name == "hearback" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Name = fmt.Sprintf("%s-hearback", hostname)
		}
	}
	cfg.EnableMDNS = *enableMDNS

	log.Printf("Starting %s %s: %s", version.Product, version.Version, cfg.Name)

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Printf("Shutdown signal received")

	session := srv.Session()
	srv.Stop()

	summary := session.Summary()
	printSummary(summary)

	if *archivePath != "" {
		store, err := export.Open(*archivePath)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer store.Close()

		if err := store.SaveSession(context.Background(), summary, session.History()); err != nil {
			log.Fatalf("Failed to archive session: %v", err)
		}
		log.Printf("Session %s archived to %s", summary.SessionID, *archivePath)
	}

	log.Printf("Daemon stopped")
}

// printSummary logs the session's headline numbers at shutdown.
func printSummary(s hearback.Summary) {
	log.Printf("Session %s: %d events (%d late, %d uncompensated, %d invalid, %d calibrations dropped)",
		s.SessionID, s.Events, s.Late, s.Uncompensated, s.Invalid, s.DroppedCalibrations)

	for _, p := range s.Pairs {
		if p.Count == 0 {
			log.Printf("  %s→%s: no matched events", p.Stimulus, p.Response)
			continue
		}
		log.Printf("  %s→%s: n=%d mean=%.1fms median=%.1fms p95=%.1fms p99=%.1fms jitter=%.1fms",
			p.Stimulus, p.Response, p.Count,
			p.Mean/1000, p.Median/1000, p.P95/1000, p.P99/1000, p.Jitter/1000)
	}
	for domain, d := range s.Domains {
		log.Printf("  %s: %d events, %d pushed, %d overflow, %d regressions",
			domain, d.Events, d.Pushed, d.Overflow, d.Regressions)
	}
}
