package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"filevault/config"
	"filevault/discovery"
	"filevault/server"
	"filevault/storage"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime)

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}

	// The legacy port.info file in the working directory overrides the
	// configured port when present.
	if _, statErr := os.Stat(config.PortInfoFileName); statErr == nil {
		cfg.Port = config.ReadPortInfo(config.PortInfoFileName)
	}

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		fatal(fmt.Errorf("resolve data directory: %w", err))
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		fatal(fmt.Errorf("open database: %w", err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	srv, err := server.Listen(cfg.Address(), store, server.Options{
		FilesDir: config.FilesDir(dataDir),
	})
	if err != nil {
		fatal(fmt.Errorf("start server: %w", err))
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("server close error: %v", err)
		}
	}()
	go logServerErrors(srv.Errors())

	fmt.Printf("Server Name:     %s\n", cfg.ServerName)
	fmt.Printf("Listening On:    %s\n", srv.Addr())
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Files Directory: %s\n", config.FilesDir(dataDir))

	if cfg.Advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			ServerName:    cfg.ServerName,
			ListeningPort: cfg.Port,
		})
		if err != nil {
			log.Printf("discovery startup failed: %v", err)
		} else {
			defer broadcaster.Stop()
			fmt.Println("Discovery:       running")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logServerErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("server: %v", err)
	}
}

// fatal prints a single error line and exits non-zero.
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Fatal Error: %v\nFile transfer server will halt!\n", err)
	os.Exit(1)
}
