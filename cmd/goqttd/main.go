package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/transport"
)

// Config is the top-level config.yml shape: server listen settings, the
// sqlite credential store path, and logging knobs.
type Config struct {
	Name    string       `yaml:"name"`
	Version string       `yaml:"version"`
	Server  ServerConfig `yaml:"server"`
	Auth    AuthConfig   `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type AuthConfig struct {
	DBPath string `yaml:"db_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func gracefulShutdown(tcpServer *transport.TCPServer, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("graceful shutdown triggered")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.Println(err)
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func initLogger(cfg LoggingConfig) {
	logCfg := logger.ProductionConfig()
	if cfg.Format != "" {
		logCfg.Format = cfg.Format
	}
	switch cfg.Level {
	case "debug":
		logCfg.Level = logger.LevelDebug
	case "warn":
		logCfg.Level = logger.LevelWarn
	case "error":
		logCfg.Level = logger.LevelError
	case "info", "":
		logCfg.Level = logger.LevelInfo
	}
	logCfg.Service = "goqttd"
	logger.InitGlobalLogger(logCfg)
}

func main() {
	done := make(chan struct{}, 1)
	var cfg Config

	raw, err := os.ReadFile("config.yml")
	if err != nil {
		log.Panicln("failed to read config from yaml file")
		return
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		log.Panicf("failed to unmarshal yaml config: %v\n", err)
	}

	initLogger(cfg.Logging)

	dbPath := cfg.Auth.DBPath
	if dbPath == "" {
		dbPath = "./store/store.db"
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		log.Panicf("failed to open sqlite db: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := transport.New(cfg.Server.Port, db)

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("server listening on %s\n", cfg.Server.Port)

	go gracefulShutdown(srv, cancel, done)

	<-done
	log.Println("graceful shutdown complete")
}
