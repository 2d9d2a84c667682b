package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"permitflow/internal/app"
	"permitflow/internal/config"
	"permitflow/internal/domain"
	"permitflow/internal/engine"
	"permitflow/internal/engine/auth"
	"permitflow/internal/migrate"
	"permitflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "permitctl",
	Short: "LOTO work permit service and admin CLI",
	Long: `permitctl runs the LOTO work permit API and administers its store.
Permits move PENDING_BAY -> PENDING_MAINTENANCE -> PENDING_SAFETY -> APPROVED,
one approval per stage; any approver on record (or admin) may reject while open.
Local commands act directly on the database as --user/--role; "remote" commands
go through a running server with a bearer token.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("PERMITFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.FileName, "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-admin", "identity recorded for local actions")
	rootCmd.PersistentFlags().String("role", string(domain.RoleAdmin), "role used for local actions")
	rootCmd.PersistentFlags().String("db-driver", "", "database driver (sqlite or postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN")
	rootCmd.PersistentFlags().String("db-path", "", "sqlite database file")
	rootCmd.PersistentFlags().String("log-level", "", "log level")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	_ = viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db-path"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(permitCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(remoteCmd())
}

// loadConfig reads the config file, then applies PERMITFLOW_* variables and
// flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	overrideString(&cfg.Database.Driver, "database.driver")
	overrideString(&cfg.Database.DSN, "database.dsn")
	overrideString(&cfg.Database.Path, "database.path")
	overrideString(&cfg.Server.Addr, "server.addr")
	overrideString(&cfg.Server.BasePath, "server.base_path")
	overrideString(&cfg.Auth.JWTSecret, "auth.jwt_secret")
	overrideString(&cfg.Log.Level, "log.level")
	overrideString(&cfg.Log.Format, "log.format")
	if viper.IsSet("auth.dev_login") {
		cfg.Auth.DevLogin = viper.GetBool("auth.dev_login")
	}
	if viper.IsSet("auth.open_submission") {
		cfg.Auth.OpenSubmission = viper.GetBool("auth.open_submission")
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := strings.TrimSpace(viper.GetString(key)); v != "" {
		*dst = v
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

// localIdentity is the caller for commands that bypass the HTTP API.
func localIdentity(cfg *config.Config) auth.Identity {
	return auth.Identity{
		Name:  viper.GetString("user"),
		Role:  domain.Role(viper.GetString("role")),
		Forms: []string{cfg.Auth.FormName},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr != "" {
					cfg.Server.Addr = addr
				}
				if basePath != "" {
					cfg.Server.BasePath = basePath
				}
				if cfg.Auth.JWTSecret == "" {
					rt.Log.Warn("no JWT secret configured; every caller is anonymous")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: cfg.Server.BasePath,
					Logger:   rt.Log,
					Auth: server.AuthConfig{
						JWTSecret: cfg.Auth.JWTSecret,
						DevLogin:  cfg.Auth.DevLogin,
						Signer:    auth.Signer{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.TokenTTL},
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:         cfg.Server.Addr,
					Handler:      handler,
					ReadTimeout:  cfg.Server.ReadTimeout,
					WriteTimeout: cfg.Server.WriteTimeout,
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.Info("serving permit API",
					"addr", cfg.Server.Addr,
					"base_path", cfg.Server.BasePath,
					"driver", cfg.Database.Driver,
					"docs", "/docs",
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				rt.Log.Info("server stopped")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 5 * time.Second
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and evolve the permit table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Guard.Ensure(ctx); err != nil {
					return err
				}
				v, err := migrate.Version(ctx, rt.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "driver": rt.Config.Database.Driver})
				}
				fmt.Printf("schema at version %d (%s)\n", v, rt.Config.Database.Driver)
				return nil
			})
		},
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Inspect the permit table schema"}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Add any missing workflow columns to the permit table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Guard.Ensure(ctx); err != nil {
					return err
				}
				cols := migrate.WorkflowColumns()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"table": migrate.PermitTable, "workflow_columns": cols})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Workflow column"})
				for _, c := range cols {
					tw.AppendRow(table.Row{c})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage permitflow.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true})
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cmd
}

func permitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "permit", Short: "Work with permits directly on the database"}
	cmd.AddCommand(permitListCmd())
	cmd.AddCommand(permitShowCmd())
	cmd.AddCommand(permitCreateCmd())
	cmd.AddCommand(permitEditCmd())
	cmd.AddCommand(permitApproveCmd())
	cmd.AddCommand(permitRejectCmd())
	cmd.AddCommand(permitSummaryCmd())
	cmd.AddCommand(permitHistoryCmd())
	return cmd
}

func permitListCmd() *cobra.Command {
	var statuses []string
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List permits, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				for _, s := range statuses {
					opts.Statuses = append(opts.Statuses, domain.Status(strings.ToUpper(s)))
				}
				items, err := rt.Engine.List(ctx, localIdentity(rt.Config), opts)
				if err != nil {
					return err
				}
				return printPermits(items)
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&opts.Plant, "plant", "", "plant substring")
	cmd.Flags().StringVar(&opts.DateFrom, "from", "", "permit date from (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.DateTo, "to", "", "permit date to (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.AwaitingMe, "awaiting-me", false, "only permits awaiting --role")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows")
	return cmd
}

func permitShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one permit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Get(ctx, id)
				if err != nil {
					return err
				}
				return printPermit(p)
			})
		},
	}
}

func permitCreateCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a permit",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, err := parseAssignments(sets, nil)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Create(ctx, localIdentity(rt.Config), d)
				if err != nil {
					return err
				}
				return printMutation("LOTO Work Permit submitted successfully", p)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column=value (repeatable)")
	return cmd
}

func permitEditCmd() *cobra.Command {
	var sets, clears []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Update static fields of an open permit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, fields, err := parseAssignments(sets, clears)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Edit(ctx, localIdentity(rt.Config), engine.EditOptions{ID: id, Details: d, Fields: fields})
				if err != nil {
					return err
				}
				return printMutation("Updated", p)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column=value (repeatable)")
	cmd.Flags().StringArrayVar(&clears, "clear", nil, "column to set to null (repeatable)")
	return cmd
}

func permitApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the current stage as --user/--role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Approve(ctx, localIdentity(rt.Config), id)
				if err != nil {
					return err
				}
				return printMutation("Approved", p)
			})
		},
	}
}

func permitRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a permit as --user/--role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Reject(ctx, localIdentity(rt.Config), id, &reason)
				if err != nil {
					return err
				}
				return printMutation("Rejected", p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func permitSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count permits per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Summary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, status := range domain.Statuses {
					tw.AppendRow(table.Row{status, s.ByStatus[status]})
				}
				tw.AppendFooter(table.Row{"Total", s.Total})
				tw.Render()
				return nil
			})
		},
	}
}

func permitHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of a permit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.History(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Role", "Payload"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Actor, ev.Role, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var username, role string
	var forms []string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed token with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := auth.Signer{Secret: cfg.Auth.JWTSecret, TTL: ttl}.Sign(username, domain.Role(role), forms)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&username, "username", "", "token subject")
	mint.Flags().StringVar(&role, "as-role", string(domain.RoleUser), "role claim")
	mint.Flags().StringArrayVar(&forms, "form", nil, "form the holder may submit (repeatable)")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = mint.MarkFlagRequired("username")
	cmd.AddCommand(mint)
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid permit id %q", s)
	}
	return id, nil
}

// parseAssignments turns column=value pairs into Details, typed per column.
// The returned names include cleared columns.
func parseAssignments(sets, clears []string) (domain.Details, []string, error) {
	var d domain.Details
	var names []string
	for _, kv := range sets {
		col, val, ok := strings.Cut(kv, "=")
		if !ok {
			return d, nil, fmt.Errorf("--set %q: expected column=value", kv)
		}
		col = strings.TrimSpace(col)
		f, ok := domain.LookupField(col)
		if !ok {
			return d, nil, fmt.Errorf("unknown column %q", col)
		}
		switch dest := f.Dest(&d).(type) {
		case **string:
			v := val
			*dest = &v
		case **bool:
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return d, nil, fmt.Errorf("%s: %w", col, err)
			}
			*dest = &b
		case **int64:
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return d, nil, fmt.Errorf("%s: %w", col, err)
			}
			*dest = &n
		default:
			return d, nil, fmt.Errorf("column %q has unsupported type %T", col, dest)
		}
		names = append(names, col)
	}
	for _, col := range clears {
		if _, ok := domain.LookupField(col); !ok {
			return d, nil, fmt.Errorf("unknown column %q", col)
		}
		names = append(names, col)
	}
	return d, names, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printPermits(items []domain.Permit) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Date", "Plant", "BD Slip", "Status", "Awaiting"})
	for _, p := range items {
		awaiting := ""
		if p.CurrentApproverRole != nil {
			awaiting = string(*p.CurrentApproverRole)
		}
		tw.AppendRow(table.Row{p.ID, deref(p.PermitDate), deref(p.Plant), deref(p.BDSlipNo), p.Status, awaiting})
	}
	tw.Render()
	return nil
}

func printPermit(p domain.Permit) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := newTable()
	tw.AppendRow(table.Row{"id", p.ID})
	tw.AppendRow(table.Row{"status", p.Status})
	if p.CurrentApproverRole != nil {
		tw.AppendRow(table.Row{"current_approver_role", *p.CurrentApproverRole})
	}
	for _, f := range p.Supplied() {
		v, _ := f.Value(&p.Details)
		tw.AppendRow(table.Row{f.Column, v})
	}
	for _, s := range []domain.Stage{domain.StageBayManager, domain.StageMaintenanceIncharge, domain.StageSafetyIncharge} {
		if by, at := p.Approval(s); by != nil {
			tw.AppendRow(table.Row{string(s) + "_approved", fmt.Sprintf("%s at %s", *by, formatTime(at))})
		}
	}
	if p.RejectedBy != nil {
		tw.AppendRow(table.Row{"rejected", fmt.Sprintf("%s at %s", *p.RejectedBy, formatTime(p.RejectedAt))})
		tw.AppendRow(table.Row{"rejection_reason", deref(p.RejectionReason)})
	}
	tw.Render()
	return nil
}

func printMutation(message string, p domain.Permit) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"message": message, "record": p})
	}
	fmt.Println(message)
	return printPermit(p)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
