package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bionicotaku/lingo-utils-authfilter"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	envPath    string
	token      string
	mode       string
	jwksURL    string
	issuer     string
	audience   string
	timeout    time.Duration
	debug      bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "authfilter-check",
		Short: "Run a token through the authorization stage",
		Long: "Verifies a token with the configured identity provider, decodes its sub/aud/name claims " +
			"and prints the identity the stage would publish.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(opts.envPath)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file (env AUTHFILTER_CONFIG)")
	flags.StringVar(&opts.envPath, "env", ".env", "Optional .env file")
	flags.StringVarP(&opts.token, "token", "t", "", "Token to check (env AUTHFILTER_TOKEN)")
	flags.StringVar(&opts.mode, "mode", "", "Verifier mode: jwks, oidc, google or introspection (env AUTHFILTER_MODE)")
	flags.StringVar(&opts.jwksURL, "jwks-url", "", "JWKS URL (env AUTHFILTER_JWKS_URL)")
	flags.StringVar(&opts.issuer, "issuer", "", "Expected issuer (env AUTHFILTER_ISSUER)")
	flags.StringVar(&opts.audience, "audience", "", "Expected audience (env AUTHFILTER_AUDIENCE)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Overall timeout")
	flags.BoolVar(&opts.debug, "debug", false, "Log stage diagnostics")
	return cmd
}

// loadEnv reads path into the process environment. A missing file is not an
// error; variables already set win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(cmd *cobra.Command, opts *options) error {
	logger := zap.NewNop()
	if opts.debug {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		logger = dev
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	cfg.Stage.Logger = logger

	token := firstNonEmpty(opts.token, os.Getenv("AUTHFILTER_TOKEN"))
	if token == "" {
		return errors.New("token is required (flag --token or env AUTHFILTER_TOKEN)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	verifier, err := authfilter.NewVerifier(ctx, cfg.Verifier)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if warmer, ok := verifier.(authfilter.Warmer); ok {
		if err := warmer.Warmup(ctx); err != nil {
			logger.Warn("warmup failed", zap.Error(err))
		}
	}

	stage, err := authfilter.NewAuthorizationStage(verifier, cfg.Stage)
	if err != nil {
		return fmt.Errorf("create stage: %w", err)
	}

	tokenKey := cfg.Stage.TokenKey
	if tokenKey == "" {
		tokenKey = authfilter.TokenKey
	}
	sc := authfilter.NewSecurityContext()
	ctx = authfilter.WithRequestID(ctx, uuid.NewString())
	if _, err := stage.Execute(ctx, authfilter.RequestState{tokenKey: token}, sc); err != nil {
		if reason := authfilter.HaltReason(err); reason != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "halted: %s\n", reason)
			return err
		}
		return fmt.Errorf("stage: %w", err)
	}

	auth, ok := sc.Authentication()
	if !ok {
		return errors.New("stage completed without publishing an identity")
	}
	printAuthentication(cmd, auth)
	return nil
}

// resolveConfig layers the config file, environment and flags, in that order.
func resolveConfig(opts *options) (authfilter.Config, error) {
	var cfg authfilter.Config
	if path := firstNonEmpty(opts.configPath, os.Getenv("AUTHFILTER_CONFIG")); path != "" {
		loaded, err := authfilter.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	v := &cfg.Verifier
	v.Mode = firstNonEmpty(opts.mode, os.Getenv("AUTHFILTER_MODE"), v.Mode)
	v.JWKSURL = firstNonEmpty(opts.jwksURL, os.Getenv("AUTHFILTER_JWKS_URL"), v.JWKSURL)
	v.Issuer = firstNonEmpty(opts.issuer, os.Getenv("AUTHFILTER_ISSUER"), v.Issuer)
	v.Audience = firstNonEmpty(opts.audience, os.Getenv("AUTHFILTER_AUDIENCE"), v.Audience)
	v.IntrospectionURL = firstNonEmpty(os.Getenv("AUTHFILTER_INTROSPECTION_URL"), v.IntrospectionURL)
	v.TokenURL = firstNonEmpty(os.Getenv("AUTHFILTER_TOKEN_URL"), v.TokenURL)
	v.ClientID = firstNonEmpty(os.Getenv("AUTHFILTER_CLIENT_ID"), v.ClientID)
	v.ClientSecret = firstNonEmpty(os.Getenv("AUTHFILTER_CLIENT_SECRET"), v.ClientSecret)
	return cfg, nil
}

func printAuthentication(cmd *cobra.Command, auth authfilter.Authentication) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "== Token Accepted ==")
	fmt.Fprintf(out, "subject      : %s\n", auth.Principal.Subject)
	fmt.Fprintf(out, "audience     : %s\n", auth.Principal.Audience)
	fmt.Fprintf(out, "name         : %s\n", auth.Principal.Name)
	fmt.Fprintf(out, "authorities  : %s\n", strings.Join(auth.Authorities, ", "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
