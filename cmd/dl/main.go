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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"demandline/internal/app"
	"demandline/internal/config"
	"demandline/internal/domain"
	"demandline/internal/engine"
	"demandline/internal/repo"
	"demandline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Demandline CLI",
	Long: `Demandline tracks demands (units of requested work) through a small lifecycle
and keeps the time actually spent on each one.
- Lifecycle: OPEN -> IN_PROGRESS <-> PAUSED -> CLOSED. Start and continue open an
  active interval, pause and close end it. CLOSED is final unless
  lifecycle.reopen_closed is set in demandline.yml.
- Duration: every closed interval adds whole seconds to total_duration_seconds;
  'dl demand timer' overwrites the total with an explicit range.
- Workspace: the .demandline directory holding the SQLite database; demandline.yml
  next to it tunes lifecycle, visibility per role, logging and webhooks.
- Event log: every change is recorded, view it with 'dl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEMANDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("jwt-secret", "DEMANDLINE_JWT_SECRET")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/demandline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	rootCmd.PersistentFlags().String("log-file", "", "append logs to this file instead of stderr")
	for _, name := range []string{"workspace", "config", "json", "user", "log-level", "log-file"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(demandCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func demandCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "demand", Aliases: []string{"d"}, Short: "Manage demands"}
	cmd.AddCommand(demandCreateCmd())
	cmd.AddCommand(demandTransitionCmd("start", "Start working on a demand", engine.Engine.Start))
	cmd.AddCommand(demandTransitionCmd("pause", "Pause a demand", engine.Engine.Pause))
	cmd.AddCommand(demandTransitionCmd("continue", "Resume a paused demand", engine.Engine.Continue))
	cmd.AddCommand(demandTransitionCmd("close", "Close a demand", engine.Engine.Close))
	cmd.AddCommand(demandGetCmd())
	cmd.AddCommand(demandListCmd())
	cmd.AddCommand(demandUpdateCmd())
	cmd.AddCommand(demandTimerCmd())
	cmd.AddCommand(demandDeleteCmd())
	cmd.AddCommand(demandPurgeCmd())
	cmd.AddCommand(demandStatsCmd())
	return cmd
}

func demandCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.OwnerID == "" {
					opts.OwnerID = viper.GetString("user")
				}
				opts.ActorID = viper.GetString("user")
				d, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printDemands([]domain.Demand{d})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "what is being asked for (required)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "short title")
	cmd.Flags().StringVar(&opts.Type, "type", "", "demand type, e.g. SUPPORT or INCIDENT")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id (defaults to --user)")
	cmd.Flags().StringVar(&opts.GroupID, "group", "", "owning group id")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "display start date")
	cmd.Flags().StringVar(&opts.EndDate, "end-date", "", "display end date")
	cmd.Flags().StringSliceVar(&opts.CollaboratorIDs, "collaborator", nil, "collaborator id (repeatable)")
	cmd.Flags().BoolVar(&opts.AutoStart, "start", false, "start immediately")
	return cmd
}

func demandTransitionCmd(use, short string, op func(engine.Engine, context.Context, string, string) (domain.Demand, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := op(e, ctx, args[0], viper.GetString("user"))
				if err != nil {
					return err
				}
				return printDemands([]domain.Demand{d})
			})
		},
	}
}

func demandGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a demand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

func demandListCmd() *cobra.Command {
	var owner, status, participant, role, group string
	var visible bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List demands",
		Long:  "Without filters every demand is listed. --visible applies the role-based scope from demandline.yml to --user, --role and --group.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Demand
					err   error
				)
				switch {
				case visible:
					items, err = e.ListForPrincipal(ctx, domain.Principal{UserID: viper.GetString("user"), Role: role, GroupID: group})
				case status != "":
					items, err = e.ListByStatus(ctx, status)
				case owner != "":
					items, err = e.ListByOwner(ctx, owner)
				case participant != "":
					items, err = e.ListByOwnerOrCollaborator(ctx, participant)
				default:
					items, err = e.Repo.ListDemands(ctx, repo.DemandFilters{})
				}
				if err != nil {
					return err
				}
				return printDemands(items)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (OPEN, IN_PROGRESS, PAUSED, CLOSED)")
	cmd.Flags().StringVar(&participant, "participant", "", "owner or collaborator filter")
	cmd.Flags().BoolVar(&visible, "visible", false, "list what --user may see")
	cmd.Flags().StringVar(&role, "role", "USER", "role used with --visible")
	cmd.Flags().StringVar(&group, "group", "", "group used with --visible")
	return cmd
}

func demandUpdateCmd() *cobra.Command {
	var title, description, typ, startDate, endDate string
	var collaborators []string
	var revision int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update descriptive fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateOptions{ID: args[0], ExpectedRevision: revision, ActorID: viper.GetString("user")}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("description") {
				opts.Description = &description
			}
			if flags.Changed("type") {
				opts.Type = &typ
			}
			if flags.Changed("start-date") {
				opts.StartDate = &startDate
			}
			if flags.Changed("end-date") {
				opts.EndDate = &endDate
			}
			if flags.Changed("collaborator") {
				opts.CollaboratorIDs = &collaborators
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Update(ctx, opts)
				if err != nil {
					return err
				}
				return printDemands([]domain.Demand{d})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", "", "demand type")
	cmd.Flags().StringVar(&startDate, "start-date", "", "display start date")
	cmd.Flags().StringVar(&endDate, "end-date", "", "display end date")
	cmd.Flags().StringSliceVar(&collaborators, "collaborator", nil, "replace collaborators (repeatable)")
	cmd.Flags().Int64Var(&revision, "revision", 0, "fail unless the demand is still at this revision")
	return cmd
}

func demandTimerCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "timer <id>",
		Short: "Overwrite the accumulated duration with end - start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetTimerRange(ctx, engine.TimerOptions{ID: args[0], StartTime: start, EndTime: end, ActorID: viper.GetString("user")})
				if err != nil {
					return err
				}
				return printDemands([]domain.Demand{d})
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "range start, RFC 3339 or 2006-01-02T15:04:05")
	cmd.Flags().StringVar(&end, "end", "", "range end")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func demandDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a demand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Delete(ctx, args[0], viper.GetString("user")); err != nil {
					return err
				}
				return printResult(map[string]any{"deleted": args[0]}, "deleted "+args[0])
			})
		},
	}
}

func demandPurgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete every demand without --yes")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.DeleteAll(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printResult(map[string]any{"deleted": n}, fmt.Sprintf("deleted %d demands", n))
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

func demandStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count demands per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.CountByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Demands"})
				total := 0
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, counts[s]})
					total += counts[s]
				}
				tw.AppendFooter(table.Row{"Total", total})
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect service config",
		Long:  "demandline.yml sets the lifecycle switches, role visibility, auth, logging and webhooks. Missing sections keep their defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
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
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default demandline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every create, transition, timer override, update and delete is recorded here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Demand", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityID, "demand", "", "demand id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
				LogWriter:  os.Stderr,
				LogLevel:   viper.GetString("log-level"),
				LogPath:    viper.GetString("log-file"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:           viper.GetString("jwt-secret"),
				AllowTrustedHeaders: a.Config.Auth.AllowTrustedHeaders,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowTrustedHeaders {
				return fmt.Errorf("DEMANDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   a.Log.With().Str("component", "http").Logger(),
			})
			if err != nil {
				return err
			}
			go server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Log).Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving demand API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	level := viper.GetString("log-level")
	if level == "" {
		level = "warn"
	}
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogWriter:  os.Stderr,
		LogLevel:   level,
		LogPath:    viper.GetString("log-file"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printDemands(items []domain.Demand) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	now := time.Now()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Owner", "Status", "Type", "Elapsed", "Description"})
	for _, d := range items {
		elapsed := time.Duration(d.ElapsedSeconds(now)) * time.Second
		tw.AppendRow(table.Row{d.ID, d.OwnerID, d.Status, d.Type, elapsed.String(), d.Description})
	}
	tw.Render()
	return nil
}

func printResult(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
