package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/broker"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/event"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path of the JSON configuration file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error occured while reading config %v\n", err)
		os.Exit(1)
	}

	loggerCallback := logger.Init(cfg.DebugMode, "logs")
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	var (
		options []broker.Option
		dbStore *database.DBStore
	)
	switch cfg.Persistence {
	case "mongo":
		store, err := database.Connect(context.Background(), cfg.Database, cfg.AppName)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			cleaner.Clean()
			os.Exit(1)
		}
		dbStore = store
		options = append(options, broker.WithSessionPersistence(store), broker.WithRetainedPersistence(store))
	case "memory":
		store := database.NewMemoryStore()
		options = append(options, broker.WithSessionPersistence(store), broker.WithRetainedPersistence(store))
	}

	b, err := broker.New(cfg, options...)
	if err != nil {
		logger.FatalF("Error occured while creating broker, details: %v", err)
		cleaner.Clean()
		os.Exit(1)
	}
	if err := b.Start(context.Background()); err != nil {
		logger.FatalF("Error occured while starting broker, details: %v", err)
		cleaner.Clean()
		os.Exit(1)
	}

	srv := server.New(cfg.Listeners, b)
	if err := srv.Start(); err != nil {
		logger.FatalF("Error occured while starting listeners, details: %v", err)
		cleaner.Clean()
		os.Exit(1)
	}
	// listeners stop first, the database closes after the broker saved its sessions
	cleaner.Add(srv)
	cleaner.Add(b)
	if dbStore != nil {
		cleaner.Add(dbStore)
	}

	select {}
}
