package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/crowdloop/internal/config"
	"github.com/banshee-data/crowdloop/internal/httputil"
	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/rehost"
	"github.com/banshee-data/crowdloop/internal/service/sqliteservice"
	"github.com/banshee-data/crowdloop/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		handleRun(args)
	case "serve":
		handleServe(args)
	case "version":
		fmt.Println(version.String("crowdloop"))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `crowdloop - quality-controlled crowd labelling

Usage:
  crowdloop <command> [options]

Commands:
  run       Publish items and drive a labelling campaign to completion
  serve     Serve a local labelling service backed by sqlite
  version   Show version information
  help      Show this help message

Run 'crowdloop <command> -h' for command-specific help.

Examples:
  # Serve a local service for workers
  crowdloop serve --listen :8080 --db crowdloop.db

  # Run a classification campaign against it
  crowdloop run --config campaign.json --items items.json --service http://localhost:8080

  # One pass against the local database, results to a file
  crowdloop run --config campaign.json --items items.json --once --out results.json
`)
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Campaign configuration JSON file (required)")
	itemsPath := fs.String("items", "", "Items JSON file (required)")
	serviceURL := fs.String("service", "", "Labelling service base URL (empty uses the local database)")
	token := fs.String("token", os.Getenv("CROWDLOOP_TOKEN"), "Service API token")
	dbPath := fs.String("db", "crowdloop.db", "Local service database path")
	outPath := fs.String("out", "", "Results file (default stdout)")
	once := fs.Bool("once", false, "Run a single pass and exit")
	quiet := fs.Bool("quiet", false, "Suppress diagnostic logging")
	fs.Parse(args)

	if *configPath == "" || *itemsPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --config and --items are required\n")
		fs.Usage()
		os.Exit(1)
	}
	if *quiet {
		monitoring.SetLogger(nil)
	}

	cfg, err := config.LoadCampaignConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	in, err := loadInput(*itemsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	svc, release, err := openService(cfg, *serviceURL, *token, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer release()

	var out io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	opts := runOptions{once: *once, out: out}
	if dest := cfg.GetRehostDest(); dest != "" {
		opts.rehost = &rehost.Pool{
			Rehoster: rehost.HTTP{Client: httputil.NewStandardClient(http.DefaultClient), Dest: dest},
			Workers:  cfg.GetRehostWorkers(),
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runCampaign(ctx, cfg, svc, in, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		release()
		os.Exit(1)
	}
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", ":8080", "HTTP listen address")
	dbPath := fs.String("db", "crowdloop.db", "Service database path")
	fs.Parse(args)

	svc, err := sqliteservice.Open(*dbPath, sqliteservice.Options{})
	if err != nil {
		log.Fatalf("failed to open service database: %v", err)
	}
	defer svc.Close()

	mux := http.NewServeMux()
	mux.Handle("/v1/", sqliteservice.NewHandler(svc))
	if err := svc.DB().AttachAdminRoutes(mux); err != nil {
		log.Fatalf("failed to attach admin routes: %v", err)
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Printf("serving labelling service on %s (db %s)", *listen, *dbPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		log.Printf("HTTP server error: %v", err)
	case <-ctx.Done():
	}

	log.Printf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}
