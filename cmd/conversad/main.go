package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"

	"github.com/khushaldangi18/conversa/internal/config"
	"github.com/khushaldangi18/conversa/internal/daemon"
)

func main() {
	configFlag := flag.String("config", config.Path(), "path to config.toml")
	envFlag := flag.String("env", ".env", "optional .env file with CONVERSA_* overrides")
	userFlag := flag.String("user", "", "user id (overrides config)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(*envFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag != "" {
		cfg.UserID = *userFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level := zapcore.InfoLevel
	if *debugFlag {
		level = zapcore.DebugLevel
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg, LogLevel: level}),
	)

	app.Run()
}
