package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	authsession "github.com/goliatone/go-authsession"
	"github.com/goliatone/go-authsession/adapters/gocommand"
	"github.com/goliatone/go-authsession/adapters/gologger"
	authcommand "github.com/goliatone/go-authsession/command"
	"github.com/goliatone/go-authsession/core"
	authquery "github.com/goliatone/go-authsession/query"
	"github.com/goliatone/go-command"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type options struct {
	configPath string
	envFile    string
	out        string
	verbose    bool
	timeout    time.Duration
}

// app is one CLI run: a session store restored from storage with every
// session command reachable through the go-command dispatcher.
type app struct {
	store   *core.SessionStore
	storage *authsession.Storage
	subs    *gocommand.SessionSubscriptions
	out     io.Writer
	format  string
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	a.subs.Unsubscribe()
	return a.storage.Close()
}

func newApp(ctx context.Context, opts *options, out io.Writer) (*app, error) {
	cfg, err := loadConfig(opts.configPath, opts.envFile)
	if err != nil {
		return nil, err
	}
	_, logger := gologger.Resolve("", nil, newCLILogger(os.Stderr, opts.verbose))

	storage, err := authsession.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	providers, err := authsession.ProvidersFromConfig(cfg.Session, authsession.ProviderDeps{
		Storage: storage,
		Logger:  logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	store, err := authsession.NewSessionStore(cfg.Session,
		authsession.WithLogger(logger),
		authsession.WithProviders(providers...),
		authsession.WithRateLimiter(authsession.NewRateLimiter(storage, cfg.Session, logger)),
	)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	subs, err := gocommand.RegisterSession(adapter, store, store.Registry())
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	if err := adapter.Initialize(); err != nil {
		subs.Unsubscribe()
		_ = storage.Close()
		return nil, err
	}
	return &app{store: store, storage: storage, subs: subs, out: out, format: opts.out}, nil
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &options{
		configPath: os.Getenv("AUTHSESSION_CONFIG"),
		envFile:    ".env",
		out:        "text",
		timeout:    30 * time.Second,
	}
	root := &cobra.Command{
		Use:           "authsession",
		Short:         "Inspect and drive a persisted auth session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", opts.configPath, "YAML config file (env AUTHSESSION_CONFIG)")
	flags.StringVar(&opts.envFile, "env-file", opts.envFile, "dotenv file loaded before the config")
	flags.StringVar(&opts.out, "out", opts.out, "output format: text|json")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log session activity to stderr")
	flags.DurationVar(&opts.timeout, "timeout", opts.timeout, "overall command timeout")

	root.AddCommand(
		providersCommand(opts, out),
		statusCommand(opts, out),
		anonymousCommand(opts, out),
		loginCommand(opts, out),
		convertCommand(opts, out),
		signOutCommand(opts, out),
	)
	return root
}

// run restores the stored session, then calls fn.
func run(cmd *cobra.Command, opts *options, out io.Writer, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	a, err := newApp(ctx, opts, out)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := gocommand.Dispatch(ctx, authcommand.InitializeMessage{}); err != nil {
		return err
	}
	return fn(ctx, a)
}

func providersCommand(opts *options, out io.Writer) *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, out, func(ctx context.Context, a *app) error {
				metadata, err := gocommand.Query[authquery.ListProviderMetadataMessage, []core.ProviderMetadata](
					ctx, authquery.ListProviderMetadataMessage{Names: names},
				)
				if err != nil {
					return err
				}
				if a.format == "json" {
					return a.printJSON(metadata)
				}
				for _, meta := range metadata {
					fmt.Fprintf(a.out, "%-12s %-20s icon=%s anonymous_only=%t\n", meta.Name, meta.DisplayName, meta.Icon, meta.IsAnonymousOnly)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "only list these providers")
	return cmd
}

func statusCommand(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the restored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, out, func(ctx context.Context, a *app) error {
				return a.printSnapshot(ctx)
			})
		},
	}
}

func anonymousCommand(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "anonymous",
		Short: "Start a guest session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, out, func(ctx context.Context, a *app) error {
				if _, _, err := gocommand.DispatchWithResult[authcommand.StartAnonymousSessionMessage, *core.NormalizedSession](
					ctx, authcommand.StartAnonymousSessionMessage{},
				); err != nil {
					return describe(a.store, err)
				}
				return a.printSnapshot(ctx)
			})
		},
	}
}

func loginCommand(opts *options, out io.Writer) *cobra.Command {
	var provider, email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, out, func(ctx context.Context, a *app) error {
				if err := gocommand.Dispatch(ctx, authcommand.SignInMessage{
					Provider: provider,
					Email:    email,
					Password: passwordOrEnv(password),
				}); err != nil {
					return describe(a.store, err)
				}
				return a.printSnapshot(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "backend", "provider to sign in with")
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (env AUTHSESSION_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func convertCommand(opts *options, out io.Writer) *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Turn the guest session into a full account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, out, func(ctx context.Context, a *app) error {
				if err := gocommand.Dispatch(ctx, authcommand.ConvertAnonymousAccountMessage{
					Email:    email,
					Password: passwordOrEnv(password),
					Name:     name,
				}); err != nil {
					return describe(a.store, err)
				}
				return a.printSnapshot(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (env AUTHSESSION_PASSWORD)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func signOutCommand(opts *options, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Clear the session locally and on the provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, out, func(ctx context.Context, a *app) error {
				if err := gocommand.Dispatch(ctx, authcommand.SignOutMessage{}); err != nil {
					return err
				}
				return a.printSnapshot(ctx)
			})
		},
	}
}

type snapshotView struct {
	Status          string            `json:"status"`
	Provider        string            `json:"provider,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	Email           string            `json:"email,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	LinkedProviders map[string]string `json:"linked_providers,omitempty"`
}

func (a *app) printSnapshot(ctx context.Context) error {
	snapshot, err := gocommand.Query[authquery.SessionSnapshotMessage, core.SessionSnapshot](ctx, authquery.SessionSnapshotMessage{})
	if err != nil {
		return err
	}
	view := snapshotView{
		Status:          string(snapshot.Status),
		Provider:        snapshot.Provider,
		LinkedProviders: snapshot.LinkedProviders,
	}
	if session := snapshot.Session; session != nil {
		view.ExpiresAt = session.ExpiresAt
		if session.User != nil {
			view.UserID = session.User.ID
			view.Email = session.User.Email
		}
	}
	if a.format == "json" {
		return a.printJSON(view)
	}
	fmt.Fprintf(a.out, "status:   %s\n", view.Status)
	if view.Provider != "" {
		fmt.Fprintf(a.out, "provider: %s\n", view.Provider)
	}
	if view.UserID != "" {
		fmt.Fprintf(a.out, "user:     %s %s\n", view.UserID, view.Email)
	}
	if view.ExpiresAt != nil {
		fmt.Fprintf(a.out, "expires:  %s\n", view.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (a *app) printJSON(value any) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// describe prefixes err with the user facing message for its text code.
func describe(store *core.SessionStore, err error) error {
	if err == nil || store == nil {
		return err
	}
	mapped := store.MapError(err)
	if mapped == nil {
		return err
	}
	return fmt.Errorf("%s (%s): %w", core.UserMessage(mapped.TextCode), mapped.TextCode, err)
}

func passwordOrEnv(password string) string {
	if strings.TrimSpace(password) != "" {
		return password
	}
	return os.Getenv("AUTHSESSION_PASSWORD")
}
