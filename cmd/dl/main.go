package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"driftline/internal/app"
	"driftline/internal/config"
	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/engine"
	"driftline/internal/engine/auth"
	"driftline/internal/migrate"
	"driftline/internal/repo"
	"driftline/internal/server"
	"driftline/internal/tools"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Driftline CLI",
	Long: `Driftline syncs each owner's Slack, Notion and Gmail content and keeps
standing work running in the background.
- Content: synced items are ephemeral and expire per platform; items cited by a
  version or a signal are retained for good.
- Standing work: a deliverable with a binding (platform_bound, cross_platform,
  research, hybrid), a schedule and destinations. Each run produces a version.
- Signals: a reasoner reads recent content and may create new work or trigger
  existing recurring work.
- Scheduler: one tick syncs due platforms, runs due work, processes signals and
  cleans expired content. 'dl daemon' ticks forever.
- Activity log: append-only history, view with 'dl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	viper.SetEnvPrefix("DRIFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner", "", "owner id (env DRIFTLINE_OWNER)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(worksCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(signalsCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "driftline.yml overrides the built-in defaults. Secrets come from DRIFTLINE_* environment variables and are never stored in the file.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default driftline.yml",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate driftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema version and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("database: %s\nschema: %d of %d\n", db.Path(viper.GetString("workspace")), st.Current, st.Latest)
			for _, p := range st.Pending {
				fmt.Println("pending:", p)
			}
			return nil
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	})
	return d
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("DRIFTLINE_JWT_SECRET is required for bearer auth")
				}
				stopMetrics, err := a.StartMetrics()
				if err != nil {
					return err
				}
				defer stopMetrics(context.WithoutCancel(ctx))
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Sync:     a.Sync,
					Signals:  a.Signals,
					BasePath: basePath,
					Auth:     authCfg,
					Version:  version,
				})
				if err != nil {
					return err
				}
				if withScheduler {
					go func() {
						if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							log.Printf("scheduler: %v", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Driftline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", false, "also run the background scheduler")
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stopMetrics, err := a.StartMetrics()
				if err != nil {
					return err
				}
				defer stopMetrics(context.WithoutCancel(ctx))
				fmt.Printf("scheduler ticking every %s\n", a.Config.Scheduler.TickInterval)
				if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Scheduler.Tick(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var manual bool
	cmd := &cobra.Command{
		Use:   "sync <platform>",
		Short: "Sync one platform for the owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			p := domain.Platform(args[0])
			if !p.Valid() {
				return fmt.Errorf("unknown platform %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sync := a.Sync.Sync
				if manual {
					sync = a.Sync.SyncManual
				}
				res, err := sync(ctx, owner, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %d resources, %d items\n", res.Platform, res.Resources, res.ItemsSynced)
				for _, e := range res.Errors {
					fmt.Println("  error:", e)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "apply the manual sync cooldown")
	return cmd
}

func connectionsCmd() *cobra.Command {
	c := &cobra.Command{Use: "connections", Short: "Platform connections"}
	var tokenValue string
	var disabled bool
	add := &cobra.Command{
		Use:   "add <platform>",
		Short: "Register or update a platform connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			if tokenValue == "" {
				tokenValue = viper.GetString(args[0] + "_token")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC()
				if err := a.Engine.Repo.EnsureOwner(ctx, owner, "", now); err != nil {
					return err
				}
				conn := domain.PlatformConnection{
					OwnerID:     owner,
					Platform:    domain.Platform(args[0]),
					AccessToken: tokenValue,
					Status:      domain.ConnectionActive,
					NextSyncAt:  &now,
					CreatedAt:   now,
				}
				if disabled {
					conn.Status = domain.ConnectionDisabled
				}
				if err := a.Engine.Repo.UpsertConnection(ctx, conn); err != nil {
					return err
				}
				fmt.Printf("%s connected for %s\n", args[0], owner)
				return nil
			})
		},
	}
	add.Flags().StringVar(&tokenValue, "token", "", "access token (default DRIFTLINE_<PLATFORM>_TOKEN)")
	add.Flags().BoolVar(&disabled, "disabled", false, "register the connection disabled")
	c.AddCommand(add)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connections and per-resource sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				conns, err := a.Engine.Repo.ListConnections(ctx, owner, false)
				if err != nil {
					return err
				}
				states, err := a.Engine.Repo.ListSyncStates(ctx, owner, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"connections": conns, "resources": states})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Platform", "Resource", "Status", "Last Synced", "Failures", "Error"})
				for _, c := range conns {
					tw.AppendRow(table.Row{c.Platform, "", c.Status, "", "", ""})
					for _, st := range states {
						if st.Platform != c.Platform {
							continue
						}
						tw.AppendRow(table.Row{"", st.ResourceID, "", formatTime(st.LastSyncedAt), st.ConsecutiveFailures, st.LastError})
					}
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func worksCmd() *cobra.Command {
	w := &cobra.Command{Use: "works", Short: "Standing work"}
	w.AddCommand(worksListCmd())
	w.AddCommand(worksCreateCmd())
	w.AddCommand(worksStatusCmd("pause", domain.WorkPaused))
	w.AddCommand(worksStatusCmd("resume", domain.WorkActive))
	w.AddCommand(worksStatusCmd("archive", domain.WorkArchived))
	w.AddCommand(worksPromoteCmd())
	w.AddCommand(worksVersionsCmd())
	return w
}

func worksListCmd() *cobra.Command {
	var f repo.WorkFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List standing work",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			f.OwnerID = owner
			f.Status = domain.WorkStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				works, err := a.Engine.Repo.ListWorks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(works)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Binding", "Origin", "Status", "Next Run"})
				for _, w := range works {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Type, w.Binding, w.Origin, w.Status, formatTime(w.NextRunAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, paused, archived)")
	cmd.Flags().StringVar(&f.Type, "type", "", "deliverable type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func worksCreateCmd() *cobra.Command {
	var (
		opts      engine.WorkCreateOptions
		binding   string
		sched     domain.Schedule
		schedKind string
		sources   []string
		dests     []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create standing work",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			opts.OwnerID = owner
			opts.Binding = domain.Binding(binding)
			sched.Kind = domain.ScheduleKind(schedKind)
			opts.Schedule = sched
			for _, s := range sources {
				opts.Sources = append(opts.Sources, parseSource(s))
			}
			for _, d := range dests {
				dest, err := parseDestination(d)
				if err != nil {
					return err
				}
				opts.Destinations = append(opts.Destinations, dest)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.CreateWork(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrSummary(w, fmt.Sprintf("created %s (%s)", w.ID, w.Title))
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "", "deliverable type, e.g. digest or status_report")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what the deliverable should contain")
	cmd.Flags().StringVar(&binding, "binding", string(domain.BindingCrossPlatform), "platform_bound, cross_platform, research or hybrid")
	cmd.Flags().StringVar(&opts.ResearchDirective, "research", "", "research directive")
	cmd.Flags().StringVar(&schedKind, "schedule", string(domain.ScheduleNone), "none, daily, weekly or interval")
	cmd.Flags().IntVar(&sched.Hour, "hour", 9, "hour for daily and weekly schedules (UTC)")
	cmd.Flags().IntVar(&sched.Minute, "minute", 0, "minute for daily and weekly schedules")
	cmd.Flags().IntVar(&sched.Weekday, "weekday", 1, "weekday for weekly schedules (0 is Sunday)")
	cmd.Flags().StringVar(&sched.Every, "every", "", "interval schedule duration, e.g. 6h")
	cmd.Flags().StringArrayVar(&sources, "source", nil, "platform[:resource,resource] (repeatable)")
	cmd.Flags().StringArrayVar(&dests, "dest", nil, "download, email:a@b.c, slack:#channel or notion:<parent page id> (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func worksStatusCmd(use string, status domain.WorkStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <work-id>",
		Short: fmt.Sprintf("Set work status to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOwnedWork(cmd.Context(), args[0], func(ctx context.Context, a *app.App, _ domain.StandingWork) error {
				w, err := a.Engine.UpdateWorkStatus(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrSummary(w, fmt.Sprintf("%s is %s", w.ID, w.Status))
			})
		},
	}
}

func worksPromoteCmd() *cobra.Command {
	var sched domain.Schedule
	var kind string
	cmd := &cobra.Command{
		Use:   "promote <work-id>",
		Short: "Make one-off work recurring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched.Kind = domain.ScheduleKind(kind)
			return withOwnedWork(cmd.Context(), args[0], func(ctx context.Context, a *app.App, _ domain.StandingWork) error {
				w, err := a.Engine.Promote(ctx, args[0], sched)
				if err != nil {
					return err
				}
				return printJSONOrSummary(w, fmt.Sprintf("%s next runs %s", w.ID, formatTime(w.NextRunAt)))
			})
		},
	}
	cmd.Flags().StringVar(&kind, "schedule", string(domain.ScheduleDaily), "daily, weekly or interval")
	cmd.Flags().IntVar(&sched.Hour, "hour", 9, "hour (UTC)")
	cmd.Flags().IntVar(&sched.Minute, "minute", 0, "minute")
	cmd.Flags().IntVar(&sched.Weekday, "weekday", 1, "weekday (0 is Sunday)")
	cmd.Flags().StringVar(&sched.Every, "every", "", "interval duration")
	return cmd
}

func worksVersionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "versions <work-id>",
		Short: "List versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOwnedWork(cmd.Context(), args[0], func(ctx context.Context, a *app.App, _ domain.StandingWork) error {
				versions, err := a.Engine.Repo.ListVersions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "#", "Status", "Sources", "Created", "Error"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.ID, v.VersionNumber, v.Status, len(v.SourceSnapshot), v.CreatedAt.Format(time.RFC3339), v.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func runCmd() *cobra.Command {
	var force bool
	var retry string
	cmd := &cobra.Command{
		Use:   "run [work-id]",
		Short: "Run work now, or retry delivery of a failed version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retry != "" {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					v, err := a.Engine.RetryDelivery(ctx, retry)
					if err != nil {
						return err
					}
					return printJSONOrSummary(v, fmt.Sprintf("version %s is %s", v.ID, v.Status))
				})
			}
			if len(args) != 1 {
				return fmt.Errorf("work id required")
			}
			return withOwnedWork(cmd.Context(), args[0], func(ctx context.Context, a *app.App, _ domain.StandingWork) error {
				v, err := a.Engine.Run(ctx, args[0], engine.RunOptions{Force: force, Trigger: "manual"})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("version %d %s\n", v.VersionNumber, v.Status)
				if v.Error != "" {
					fmt.Println("error:", v.Error)
				}
				if v.FinalContent != "" {
					fmt.Println()
					fmt.Println(v.FinalContent)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the freshness check and run paused work")
	cmd.Flags().StringVar(&retry, "retry", "", "retry delivery of this failed version id")
	return cmd
}

func signalsCmd() *cobra.Command {
	s := &cobra.Command{Use: "signals", Short: "Signal processing"}
	s.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Run one signal cycle for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actions, err := a.Signals.ProcessManual(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Action", "Signal", "Type", "Confidence", "Outcome", "Work", "Detail"})
				for _, act := range actions {
					tw.AppendRow(table.Row{act.Action, act.SignalType, act.DeliverableType, fmt.Sprintf("%.2f", act.Confidence), act.Outcome, act.WorkID, act.Detail})
				}
				tw.Render()
				return nil
			})
		},
	})
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Realized signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListSignalHistory(ctx, owner, limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 50, "max rows")
	s.AddCommand(history)
	return s
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired ephemeral content now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Scheduler.Cleanup(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSONOrSummary(rep, fmt.Sprintf("deleted %d expired items", rep.Total))
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The append-only history of syncs, signal decisions, versions, deliveries and cleanups.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail activity events",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Events.List(ctx, repo.ActivityFilter{OwnerID: owner, EventType: evtType, Limit: n})
				if err != nil {
					return err
				}
				var last int64
				for i := len(items) - 1; i >= 0; i-- {
					printEvent(items[i])
					if items[i].ID > last {
						last = items[i].ID
					}
				}
				for follow {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
					items, err := a.Engine.Events.List(ctx, repo.ActivityFilter{OwnerID: owner, EventType: evtType, AfterID: last, Limit: 100})
					if err != nil {
						return err
					}
					for _, e := range items {
						printEvent(e)
						last = e.ID
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the owner's content tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return tools.NewMCPServer(a.Engine.Tools, owner, version).Run(ctx)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "API bearer tokens"}
	var email string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerID()
			if err != nil {
				return err
			}
			tok, err := auth.Mint(viper.GetString("jwt_secret"), owner, email, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	mint.Flags().StringVar(&email, "email", "", "email claim")
	mint.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime, 0 never expires")
	t.AddCommand(mint)
	return t
}

// --- helpers ---

func secrets() app.Secrets {
	return app.Secrets{
		LLMAPIKey:     viper.GetString("llm_api_key"),
		BraveAPIKey:   viper.GetString("brave_api_key"),
		SMTPUsername:  viper.GetString("smtp_username"),
		SMTPPassword:  viper.GetString("smtp_password"),
		SlackBotToken: viper.GetString("slack_bot_token"),
		NotionToken:   viper.GetString("notion_token"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), secrets(), log.New(os.Stderr, "", log.LstdFlags))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withOwnedWork loads a work and refuses it unless it belongs to --owner.
func withOwnedWork(ctx context.Context, workID string, fn func(context.Context, *app.App, domain.StandingWork) error) error {
	owner, err := ownerID()
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		w, err := a.Engine.Repo.GetWork(ctx, workID)
		if err != nil {
			return err
		}
		if w.OwnerID != owner {
			return auth.ForbiddenError{Resource: "work " + workID}
		}
		return fn(ctx, a, w)
	})
}

func ownerID() (string, error) {
	owner := strings.TrimSpace(viper.GetString("owner"))
	if owner == "" {
		return "", fmt.Errorf("--owner or DRIFTLINE_OWNER required")
	}
	return owner, nil
}

func parseSource(s string) domain.Source {
	platform, resources, _ := strings.Cut(s, ":")
	src := domain.Source{Platform: domain.Platform(platform)}
	for _, r := range strings.Split(resources, ",") {
		if r = strings.TrimSpace(r); r != "" {
			src.ResourceIDs = append(src.ResourceIDs, r)
		}
	}
	return src
}

func parseDestination(s string) (domain.Destination, error) {
	kind, target, _ := strings.Cut(s, ":")
	d := domain.Destination{Kind: domain.DestinationKind(kind)}
	switch d.Kind {
	case domain.DestinationDownload:
	case domain.DestinationEmail:
		d.Email = &domain.EmailTarget{To: strings.Split(target, ",")}
	case domain.DestinationSlack:
		if strings.HasPrefix(target, "https://") {
			d.Slack = &domain.SlackTarget{WebhookURL: target}
		} else {
			d.Slack = &domain.SlackTarget{Channel: target}
		}
	case domain.DestinationNotion:
		d.Notion = &domain.NotionTarget{ParentPageID: target}
	default:
		return d, fmt.Errorf("unknown destination %q", s)
	}
	return d, d.Validate()
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printEvent(e domain.ActivityEvent) {
	if viper.GetBool("json") {
		b, _ := json.Marshal(e)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%s  %-22s %s\n", e.CreatedAt.Format(time.RFC3339), e.EventType, e.Summary)
}

func printJSONOrSummary(v any, summary string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(summary)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
