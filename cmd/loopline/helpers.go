package main

import (
	"fmt"
	"os"

	loopline "github.com/loopline-hq/loopline-go"
)

// getClient creates a Loopline client authenticated from config.
func getClient() *loopline.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'loopline config set auth.token <token>' first.")
		os.Exit(1)
	}

	var opts []loopline.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, loopline.WithBaseURL(cfg.Default.BaseURL))
	}

	return loopline.NewClient(cfg.Auth.Token, opts...)
}

// getService assembles the messaging core for commands that need live
// channels or optimistic state.
func getService() (*loopline.MessagingService, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	client := getClient()
	svc := loopline.NewMessagingService(client,
		loopline.WithSelf(loopline.UserRef{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}),
	)
	return svc, cfg
}
