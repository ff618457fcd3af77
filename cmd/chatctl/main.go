package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/client"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/logging"
)

var (
	serverURL string
	token     string
	devUser   string
	verbose   bool
)

func main() {
	_ = config.LoadDotEnv()

	rootCmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Command line client for the chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("CHAT_RELAY_URL", "http://localhost:8080"), "relay base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("CHAT_RELAY_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVar(&devUser, "dev-user", "", "mint a short-lived token for this user id with JWT_SECRET")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newStreamCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newEstimateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newConsumer() (*client.Consumer, error) {
	tok := token
	if devUser != "" {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return nil, fmt.Errorf("--dev-user needs JWT_SECRET")
		}
		var err error
		tok, err = auth.IssueToken(secret, devUser, "", time.Hour)
		if err != nil {
			return nil, err
		}
	}
	if tok == "" {
		return nil, fmt.Errorf("no token: set --token, CHAT_RELAY_TOKEN or --dev-user")
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logging.Setup(level, true)
	return client.NewConsumer(client.New(serverURL, tok), nil, log), nil
}
