package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/w0otness/opifex/internal/auth"
	"github.com/w0otness/opifex/internal/config"
	"github.com/w0otness/opifex/internal/database"
	"github.com/w0otness/opifex/internal/event"
	"github.com/w0otness/opifex/internal/logger"
	"github.com/w0otness/opifex/internal/server"
	"github.com/w0otness/opifex/internal/utils"
)

func main() {
	configPath := flag.StringP("config", "c", "config.json", "path of the JSON or YAML configuration file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error occured while reading config %v\n", err)
		os.Exit(1)
	}
	log, loggerCallback, err := logger.New(cfg.LogPath, cfg.DebugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error occured while initializing logger %v\n", err)
		os.Exit(1)
	}
	log.Debug("Application initializing...")
	cleaner := event.NewCleaner(log)
	cleaner.Add(loggerCallback)

	store, err := openStore(cfg, log, cleaner)
	if err != nil {
		logger.Fatal(log, "Error occured while initializing database", "error", err)
		_ = cleaner.Clean(context.Background())
		os.Exit(1)
	}

	srv := server.New(store, auth.NewUserTable(cfg.Users, cfg.AllowAnonymous), log,
		server.WithMaxConnections(cfg.MaxConnections),
		server.WithConnectRate(cfg.ConnectRate, cfg.ConnectBurst),
		server.WithConnectTimeout(utils.ParseStringTimeOr(cfg.ConnectTimeout, time.Minute)),
	)
	cleaner.Add(srv)

	// 任一监听退出时触发关闭流程
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		defer stop()
		err := srv.ListenAndServe(fmt.Sprintf(":%d", cfg.AppPort))
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			logger.Fatal(log, "MQTT server stopped", "error", err)
		}
	}()

	if cfg.WebsocketPort > 0 {
		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.WebsocketPort),
			Handler:           srv.WebsocketHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		cleaner.Add(event.CallableFunc(httpServer.Shutdown))
		go func() {
			defer stop()
			log.Info("Websocket Server Listen On " + httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal(log, "Websocket server stopped", "error", err)
			}
		}()
	}

	_ = cleaner.Wait(ctx)
}

func openStore(cfg *config.Config, log *slog.Logger, cleaner *event.Cleaner) (database.Store, error) {
	if cfg.Storage != config.StorageMongo {
		log.Info("Using in-memory storage")
		return database.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), utils.ParseStringTimeOr(cfg.Database.ConnectTimeout, 10*time.Second))
	defer cancel()
	store, err := database.OpenDatabaseStore(ctx, cfg.Database, cfg.AppName, log)
	if err != nil {
		return nil, err
	}
	cleaner.Add(store)
	return store, nil
}
