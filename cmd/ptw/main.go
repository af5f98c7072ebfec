package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"permitline/internal/app"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/repo"
	"permitline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ptw",
	Short: "Permit-to-work CLI",
	Long: `ptw runs the permit-to-work approval workflow.
- Workspace: a directory holding permitline.yml and the .permitline record store.
- Form: the permit request an originator drafts and submits; submission assigns a reference number.
- Workflow: the approval chain (originator, performing authority, issuer, asset director, HSE director, asset manager).
- Permit rows: the issued permit window plus renewal rows; once renewals run out the permit can be extended.
- Event log: every command appends audit events, view with 'ptw log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if lvl := viper.GetString("log-level"); lvl != "" {
			level, err := log.ParseLevel(lvl)
			if err != nil {
				return err
			}
			log.SetLevel(level)
		}
		if viper.GetBool("json") {
			log.SetFormatter(&log.JSONFormatter{})
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
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
	viper.SetEnvPrefix("PERMITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "caller email (directory identity)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default permitline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "permitline.yml holds permit settings, the originator and performing authority groups, companies, work categories, asset approvers, directory seed data and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate permitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail: submissions, decisions, issued permits, renewals, expiries, extensions and closures.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f.Limit = n
				items, err := ws.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Form", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.FormID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.FormID, "form", "", "form id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				DevLogin:         devLogin,
				AllowActorHeader: actorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PERMITLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if d := server.NewWebhookDispatcher(ws.Engine.Repo, ws.Config); d != nil {
				go d.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.WithField("addr", addr).WithField("base_path", basePath).
				Info("serving permitline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			fmt.Printf("Serving permitline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local only)")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust X-Actor-Email without credentials (local only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func actor() (string, error) {
	a := strings.TrimSpace(viper.GetString("actor"))
	if a == "" {
		return "", fmt.Errorf("--actor (or PERMITLINE_ACTOR) is required")
	}
	return a, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(s domain.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	stage := domain.StageNew
	if s.Workflow != nil {
		stage = s.Workflow.Stage
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"Form", s.Form.ID},
		{"Reference", s.Form.ReferenceNumber},
		{"Status", s.Form.Status},
		{"Stage", stage},
		{"Project", s.Form.ProjectTitle},
		{"Originator", s.Form.OriginatorEmail},
		{"Overall risk", s.Form.OverallRisk},
	})
	if s.Form.ExtendedTo != "" {
		tw.AppendRow(table.Row{"Extended to", s.Form.ExtendedTo})
	}
	if s.Workflow != nil && s.Workflow.RejectionReason != "" {
		tw.AppendRow(table.Row{"Rejected by", fmt.Sprintf("%s: %s", s.Workflow.RejectedBy.Short(), s.Workflow.RejectionReason)})
	}
	tw.Render()
	if s.Workflow != nil {
		ap := newTable()
		ap.AppendHeader(table.Row{"Role", "Assignee", "Status", "Decided"})
		for _, role := range domain.Roles {
			a := s.Workflow.Approval(role)
			ap.AppendRow(table.Row{role.Short(), s.Workflow.AssigneeEmail(role), a.Status, a.DecidedAt})
		}
		ap.AppendRow(table.Row{"Closure", "", s.Workflow.Closure.Status, s.Workflow.Closure.DecidedAt})
		ap.Render()
	}
	if len(s.Permits) > 0 {
		pt := newTable()
		pt.AppendHeader(table.Row{"Row", "Type", "Date", "Window", "Issuer", "Decision", "Status"})
		for _, p := range s.Permits {
			pt.AppendRow(table.Row{p.ID, p.Type, p.Date, p.StartTime + "-" + p.EndTime, p.IssuerEmail, p.Decision, p.Status})
		}
		pt.Render()
	}
	if s.Advisory != "" {
		fmt.Println(s.Advisory)
	}
	return nil
}
