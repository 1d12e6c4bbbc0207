package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskline/internal/activity"
	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/identity"
	"taskline/internal/logging"
	"taskline/internal/migrate"
	"taskline/internal/notify"
	"taskline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline records task activity, fans notifications out to the right
internal users and clients, and keeps unread counts honest when clients move
between companies.

- serve: run the REST API, the identity webhook receiver and the count stream.
- log: read a task's append-only activity log.
- notifications: inspect unread counts and reconcile a client's notifications.
- token: issue development bearer tokens for the built-in directory.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("dsn", "", "store DSN: postgres://... or a sqlite path (default under XDG data home)")
	flags.String("config", config.FileName, "policy and notification config file")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("webhook-secret", "", "HMAC secret for identity webhooks")
	flags.String("identity-url", "", "identity provider base URL (empty uses the config directory)")
	flags.String("identity-api-key", "", "identity provider API key")
	flags.String("workspace-id", "default", "workspace id")
	flags.String("log-level", "info", "log level")
	flags.Bool("log-json", false, "JSON logs")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"dsn", "config", "jwt-secret", "webhook-secret", "identity-url", "identity-api-key", "workspace-id", "log-level", "log-json", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func settings() config.Settings {
	return config.Settings{
		DSN:            viper.GetString("dsn"),
		Addr:           viper.GetString("addr"),
		JWTSecret:      viper.GetString("jwt-secret"),
		WebhookSecret:  viper.GetString("webhook-secret"),
		IdentityURL:    viper.GetString("identity-url"),
		IdentityAPIKey: viper.GetString("identity-api-key"),
		WorkspaceID:    viper.GetString("workspace-id"),
		PolicyPath:     viper.GetString("config"),
		LogLevel:       viper.GetString("log-level"),
		LogJSON:        viper.GetBool("log-json"),
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notificationsCmd())
}

func serveCmd() *cobra.Command {
	var basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			if err := s.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(s.LogLevel, s.LogJSON)
			if err != nil {
				return err
			}
			defer logger.Sync()
			a, err := app.Build(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(ctx); err != nil {
					logger.Warn("shutdown incomplete", zap.Error(err))
				}
			}()
			if err := a.WatchConfig(); err != nil {
				return err
			}
			handler, err := a.Handler(basePath)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: s.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving taskline API",
				zap.String("addr", s.Addr),
				zap.String("base_path", basePath),
				zap.String("docs", "/docs"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func migrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := db.Open(viper.GetString("dsn"))
			if err != nil {
				return err
			}
			defer conn.Close()
			ms, err := migrate.Pending(ctx, conn)
			if err == nil && !dryRun {
				ms, err = migrate.Apply(ctx, conn)
			}
			if err != nil {
				return err
			}
			for _, m := range ms {
				if dryRun {
					fmt.Println("pending", m.Name)
				} else {
					fmt.Println("applied", m.Name)
				}
			}
			v, err := migrate.Version(ctx, conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d (%s)\n", v, conn.Dialect)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage the config file"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(viper.GetString("config"))
			if err != nil {
				return err
			}
			fmt.Printf("ok: roles %s, %d workflow states\n", strings.Join(cfg.PolicyTable().Roles(), ", "), len(cfg.WorkflowStates))
			return nil
		},
	}
	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Development tokens"}
	var p identity.TokenPayload
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for an internal user or client",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			if s.JWTSecret == "" {
				return errors.New("jwt secret required (--jwt-secret or TASKLINE_JWT_SECRET)")
			}
			p.WorkspaceID = s.WorkspaceID
			tok, err := identity.TokenCodec{Secret: s.JWTSecret}.Issue(p, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&p.InternalUserID, "internal-user", "", "internal user id")
	issue.Flags().StringVar(&p.ClientID, "client", "", "client id")
	issue.Flags().StringVar(&p.CompanyID, "company", "", "client's company id")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	var f repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, conn *db.Conn) error {
				f.WorkspaceID = viper.GetString("workspace-id")
				tasks, err := repo.Repo{Conn: conn}.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Assignee", "Depth", "Deleted"})
				for _, t := range tasks {
					assignee := ""
					if kind, id, ok := t.Assignee(); ok {
						assignee = kind + ":" + id
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.WorkflowStateID, assignee, t.Depth, t.IsDeleted()})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	list.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	list.Flags().BoolVar(&f.IncludeDeleted, "deleted", false, "include deleted tasks")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.AddCommand(list)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The append-only record of every task change: creation, assignment, state moves, comments and sharing.",
	}
	var expand []string
	list := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, conn *db.Conn) error {
				entries, err := activity.Store{Conn: conn}.ListForTask(ctx, args[0], activity.ListOptions{ExpandComments: expand})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "User", "Role", "Created", "Details"})
				for _, e := range entries {
					details, _ := json.Marshal(e.Details)
					tw.AppendRow(table.Row{e.Seq, e.Type, e.UserID, e.UserRole, e.CreatedAt, string(details)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&expand, "expand", nil, "comment ids whose full reply thread is shown")
	cmd.AddCommand(list)
	return cmd
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notifications", Short: "Unread counts and reconciliation"}
	var r notify.Recipient
	count := &cobra.Command{
		Use:   "count",
		Short: "Show a recipient's live unread count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, conn *db.Conn) error {
				n, err := (&notify.Service{Conn: conn}).UnreadCount(ctx, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"count": n})
				}
				fmt.Println(n)
				return nil
			})
		},
	}
	count.Flags().StringVar(&r.Kind, "kind", domain.InternalUser, "recipient kind (internalUser or client)")
	count.Flags().StringVar(&r.ID, "id", "", "recipient id")
	count.Flags().StringVar(&r.CompanyID, "company", "", "client company scope")
	_ = count.MarkFlagRequired("id")

	var clientID string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Reconcile a client's notifications with its current company",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings()
			logger, err := logging.New(s.LogLevel, s.LogJSON)
			if err != nil {
				return err
			}
			defer logger.Sync()
			a, err := app.Build(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if err := a.Reconciler.ReconcileClient(cmd.Context(), clientID, s.WorkspaceID); err != nil {
				return err
			}
			m, err := a.Reconciler.Membership(cmd.Context(), clientID)
			if err != nil {
				return err
			}
			return printJSONOrTable(m)
		},
	}
	validate.Flags().StringVar(&clientID, "client", "", "client id")
	_ = validate.MarkFlagRequired("client")

	cmd.AddCommand(count, validate)
	return cmd
}

func withConn(ctx context.Context, fn func(context.Context, *db.Conn) error) error {
	conn, err := db.Open(viper.GetString("dsn"))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, conn)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
