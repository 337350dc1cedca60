package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khushaldangi18/conversa/internal/api"
	"github.com/khushaldangi18/conversa/internal/config"
)

const requestTimeout = 10 * time.Second

var (
	configFlag string
	userFlag   string
	socketFlag string
	jsonFlag   bool
)

var rootCmd = &cobra.Command{
	Use:           "conversactl",
	Short:         "Control a running conversad",
	Long:          "conversactl talks to the conversad daemon of one user over its Unix socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", config.Path(), "path to config.toml")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "daemon socket (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// socketPath resolves the daemon socket from the flags and config.
func socketPath() (string, error) {
	if socketFlag != "" {
		return socketFlag, nil
	}
	cfg, err := config.LoadOrDefault(configFlag)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(""); err != nil {
		return "", err
	}
	if userFlag != "" {
		cfg.UserID = userFlag
	}
	if err := config.ValidateUserID(cfg.UserID); err != nil {
		return "", err
	}
	return cfg.SocketPath(), nil
}

// withClient dials the daemon and runs fn with a request-scoped context.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	path, err := socketPath()
	if err != nil {
		return err
	}
	c, err := api.Dial(path)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon at %s: %w", path, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, c)
}

// withStream is withClient without a deadline, for watch commands; it ends
// on Ctrl-C.
func withStream(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	path, err := socketPath()
	if err != nil {
		return err
	}
	c, err := api.Dial(path)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon at %s: %w", path, err)
	}
	defer func() { _ = c.Close() }()
	return fn(cmd.Context(), c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
