package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repairline/internal/app"
	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/guard"
	"repairline/internal/logging"
	"repairline/internal/repo"
	"repairline/internal/scheduler"
	"repairline/internal/server"
	"repairline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "repairline",
	Short: "Repairline repair request pipeline",
	Long: `Repairline turns tenant repair request form submissions into tracker work.
- Intake: a form submission arrives as a task in the intake project (webhook) or as a direct form post.
- Work task: each accepted submission becomes one task in the work project, titled by urgency, category and address.
- Checklist: the category decides the subtasks added under the work task.
- Notification: the distribution list gets one email linking the task.
- Guard: every submission is handled at most once; 'repairline processed list' shows what was handled.
- Scan: 'repairline scan' and the serve scheduler catch submissions whose webhook never arrived.
- Event log: outcomes of every run, view with 'repairline log tail'.`,
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
	config.SetDefaults(viper.GetViper())
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("log-format", "auto", "log format: auto, console or json")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(testEmailCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(processedCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var (
		addr      string
		ephemeral bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook receiver and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				sc := a.ServerConfig()
				if ephemeral {
					mem := guard.NewMemory()
					mem.TTL = a.Config.Guard.ClaimTTL
					a.Workflow.Guard = mem
					sc.Processed = mem
					a.Logger.Warn().Msg("duplicate guard is in memory, processed submissions are forgotten on restart")
				}
				var sched *scheduler.Scheduler
				if a.Config.Scan.Schedule != "" {
					sched = scheduler.New(a.Workflow, a.Config.Scan.Window, a.Logger)
					sc.Scans = sched
				}
				handler, err := server.New(sc)
				if err != nil {
					return err
				}
				if sched != nil {
					if err := sched.Start(a.Config.Scan.Schedule); err != nil {
						return fmt.Errorf("scan schedule %q: %w", a.Config.Scan.Schedule, err)
					}
					defer func() {
						stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
						defer cancel()
						sched.Stop(stopCtx)
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info().Str("addr", addr).Str("webhook", a.Config.WebhookTarget()).Msg("serving repairline API (OpenAPI at /v0/openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep the duplicate guard in memory instead of the workspace database")
	return cmd
}

func processCmd() *cobra.Command {
	var respectGuard bool
	cmd := &cobra.Command{
		Use:   "process <task-gid>",
		Short: "Process one intake task, bypassing the duplicate check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				res, err := a.Workflow.ProcessTask(ctx, args[0], !respectGuard)
				if err != nil && !workflow.IsDuplicate(err) {
					return err
				}
				return printRun(res, err)
			})
		},
	}
	cmd.Flags().BoolVar(&respectGuard, "respect-guard", false, "skip the task if it was already processed")
	return cmd
}

func scanCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Process recent intake tasks not handled yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if window == 0 {
					window = a.Config.Scan.Window
				}
				summary, err := a.Workflow.ScanRecent(ctx, window)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					runs := make([]map[string]any, 0, len(summary.Runs))
					for _, run := range summary.Runs {
						runs = append(runs, map[string]any{"event_id": run.EventID, "outcome": workflow.Outcome(run.Err), "state": run.State, "task_id": run.TaskID, "error": errString(run.Err)})
					}
					return printJSON(map[string]any{
						"window":    summary.Window.String(),
						"scanned":   summary.Scanned,
						"accepted":  summary.Accepted,
						"duplicate": summary.Duplicate,
						"rejected":  summary.Rejected,
						"ignored":   summary.Ignored,
						"failed":    summary.Failed,
						"runs":      runs,
					})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Event", "Outcome", "State", "Task", "Error"})
				for _, run := range summary.Runs {
					tw.AppendRow(table.Row{run.EventID, workflow.Outcome(run.Err), run.State, run.TaskID, errString(run.Err)})
				}
				tw.AppendFooter(table.Row{fmt.Sprintf("scanned %d", summary.Scanned), fmt.Sprintf("accepted %d", summary.Accepted), fmt.Sprintf("duplicate %d", summary.Duplicate), fmt.Sprintf("rejected %d", summary.Rejected), fmt.Sprintf("failed %d", summary.Failed)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "how far back to look (default scan.window)")
	return cmd
}

func testEmailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-email",
		Short: "Send a sample notification to the distribution list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				msg, err := a.Workflow.SendTestNotification(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"status": "sent", "subject": msg.Subject, "recipients": msg.Recipients})
			})
		},
	}
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the intake project webhook",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "register",
		Short: "Register the webhook for the intake project (server must be reachable at server.app_url)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				reg, err := server.RegisterWebhook(ctx, a.ServerConfig())
				if err != nil {
					return err
				}
				return printJSONOrTable(reg)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				regs, err := a.Repo.ListWebhookRegistrations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(regs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Webhook", "Resource", "Target", "Created"})
				for _, r := range regs {
					tw.AppendRow(table.Row{r.WebhookID, r.ResourceID, r.Target, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func processedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processed",
		Short: "Inspect the duplicate guard",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List processed submissions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Guard.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Event", "Status", "Task", "Run", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.EventID, p.Status, p.TaskID, p.RunID, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "number of rows")
	cmd.AddCommand(list)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read the event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var (
		n        int
		evtType  string
		eventID  string
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				latest, err := a.Repo.LatestEvents(ctx, n, repo.EventFilter{Type: evtType, EventID: eventID})
				if err != nil {
					return err
				}
				// Oldest first so a follow continues in order.
				for i, j := 0, len(latest)-1; i < j; i, j = i+1, j-1 {
					latest[i], latest[j] = latest[j], latest[i]
				}
				var cursor int64
				for _, evt := range latest {
					printEvent(evt)
					cursor = evt.ID
				}
				if !follow {
					return nil
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					batch, err := a.Repo.EventsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					for _, evt := range batch {
						cursor = evt.ID
						if (evtType != "" && evt.Type != evtType) || (eventID != "" && evt.EventID != eventID) {
							continue
						}
						printEvent(evt)
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&eventID, "event-id", "", "submission id filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Redacted())
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			err = cfg.Validate()
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				var cerr *config.ConfigurationError
				if errors.As(err, &cerr) {
					out["missing"] = cerr.Missing
					out["invalid"] = cerr.Invalid
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("configuration ok")
			return nil
		},
	})
	return cmd
}

// --- helpers ---

// withApp loads configuration and opens the app. Commands that reach the
// tracker or mail server pass strict and refuse an incomplete configuration.
func withApp(ctx context.Context, strict bool, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if strict {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printRun(res workflow.Result, err error) error {
	out := map[string]any{
		"outcome":  workflow.Outcome(err),
		"run_id":   res.RunID,
		"event_id": res.EventID,
		"state":    res.State,
		"task_id":  res.TaskID,
		"task_url": res.TaskURL,
		"notified": res.Notified,
	}
	if partial := res.Err(); partial != nil {
		out["partial_errors"] = partial.Error()
	}
	if viper.GetBool("json") {
		return printJSON(out)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Index", "Subtask", "ID", "Error"})
	for _, s := range res.Subtasks {
		tw.AppendRow(table.Row{s.Index, s.Title, s.SubtaskID, errString(s.Err)})
	}
	fmt.Printf("%s %s (state %s) task %s %s\n", out["outcome"], res.EventID, res.State, res.TaskID, res.TaskURL)
	if len(res.Subtasks) > 0 {
		tw.Render()
	}
	if res.NotificationErr != nil {
		fmt.Println("notification failed:", res.NotificationErr)
	}
	return nil
}

func printEvent(evt domain.Event) {
	if viper.GetBool("json") {
		b, _ := json.Marshal(evt)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%d %s %-20s event=%s run=%s task=%s %s\n", evt.ID, evt.TS, evt.Type, evt.EventID, evt.RunID, evt.TaskID, evt.Payload)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
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
