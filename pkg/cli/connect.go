package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/platinummonkey/swiftinvoice/pkg/client"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// connectionFlags are shared by every command that talks to the server
type connectionFlags struct {
	server       *string
	credentials  *string
	projectID    *string
	oidcIssuer   *string
	oidcClientID *string
	readyTimeout *time.Duration
}

func addConnectionFlags(fs *flag.FlagSet) *connectionFlags {
	return &connectionFlags{
		server:       fs.String("server", envOr("SWIFTINVOICE_SERVER", "http://localhost:8080"), "API server URL"),
		credentials:  fs.String("credentials", envOr("SWIFTINVOICE_CREDENTIALS", defaultCredentialsPath()), "File holding the ID token"),
		projectID:    fs.String("project", os.Getenv("SWIFTINVOICE_IDENTITY_PROJECT_ID"), "Firebase project id"),
		oidcIssuer:   fs.String("oidc-issuer", os.Getenv("SWIFTINVOICE_OIDC_ISSUER"), "OIDC issuer (instead of Firebase)"),
		oidcClientID: fs.String("oidc-client-id", os.Getenv("SWIFTINVOICE_OIDC_CLIENT_ID"), "OIDC client id"),
		readyTimeout: fs.Duration("ready-timeout", client.DefaultReadyTimeout, "How long to wait for credentials to load"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "swiftinvoice-token"
	}
	return filepath.Join(dir, "swiftinvoice", "token")
}

// session is a connected client plus the background credential watcher
type session struct {
	client *client.Client
	gate   *identity.Gate
	close  func()
}

// connect builds a client for the flags. Tests replace it.
var connect = func(ctx context.Context, f *connectionFlags) (*session, error) {
	logger := observability.NewLogger(observability.WarnLevel, os.Stderr)

	var verifier identity.TokenVerifier
	var err error
	if *f.oidcIssuer != "" {
		verifier, err = identity.NewOIDCVerifier(ctx, *f.oidcIssuer, *f.oidcClientID)
	} else {
		if *f.projectID == "" {
			return nil, fmt.Errorf("--project or --oidc-issuer is required")
		}
		verifier, err = identity.NewFirebaseVerifier(ctx, *f.projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	provider := identity.NewFileProvider(*f.credentials, verifier, logger)
	gate := identity.NewGate(provider)

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer observability.RecoverPanic(logger, "cli.credentialWatcher")
		if err := provider.Run(watchCtx); err != nil {
			logger.WithError(err).Warn("credential watcher stopped")
			// Without a watcher the gate would never open.
			provider.Refresh(watchCtx)
		}
	}()

	return &session{
		client: client.New(*f.server, gate, provider, client.WithReadyTimeout(*f.readyTimeout)),
		gate:   gate,
		close: func() {
			cancel()
			gate.Close()
			<-done
		},
	}, nil
}
