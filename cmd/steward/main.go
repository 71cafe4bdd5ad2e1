package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/repo"
	"steward/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward CLI",
	Long: `Steward turns incoming events into plans and executes them step by step.
- Events arrive in a durable queue (needs-action) and leave it exactly once.
- Each event gets a plan: categorized, risk-classified, broken into steps.
- Risky steps wait behind an approval gate until a human decides (or 24h pass).
- Failing steps retry with backoff; exhausted retries escalate to a human.
- Everything lands in an append-only audit log ('steward audit tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local", "actor identifier")
	rootCmd.PersistentFlags().Bool("dry-run", false, "log step effects without executing them")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("dry-run", rootCmd.PersistentFlags().Lookup("dry-run"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage steward.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default steward.yml",
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
	return cfg
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue backlog, plan and approval counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				h, err := rt.Loop.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				fmt.Printf("Backlog: %d events in needs-action\n", h.Backlog)
				fmt.Println("Events:")
				for partition, c := range h.Events {
					fmt.Printf("  %s: %d\n", partition, c)
				}
				fmt.Println("Plans:")
				for status, c := range h.Plans {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Approvals:")
				for status, c := range h.Approvals {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Manage the event queue"}
	evt.AddCommand(eventPushCmd())
	evt.AddCommand(eventListCmd())
	evt.AddCommand(eventShowCmd())
	evt.AddCommand(eventRejectCmd())
	return evt
}

func eventPushCmd() *cobra.Command {
	var source, kind, priority, summary, body, metadata string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push an event onto the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				e := domain.Event{
					Source:   source,
					Kind:     kind,
					Priority: priority,
					Summary:  summary,
					Body:     body,
				}
				if metadata != "" {
					if !json.Valid([]byte(metadata)) {
						return fmt.Errorf("--metadata must be valid JSON")
					}
					e.MetadataJSON = &metadata
				}
				pushed, err := rt.Queue.Push(ctx, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(pushed, eventTable([]domain.Event{pushed}))
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "event source (gmail, whatsapp, linkedin, filesystem, calendar, slack, scheduler)")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind, e.g. email_received")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&summary, "summary", "", "short summary")
	cmd.Flags().StringVar(&body, "body", "", "event content")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata as JSON object")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func eventListCmd() *cobra.Command {
	var partition, source string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListEvents(ctx, repo.EventFilters{Partition: partition, Source: source, Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, eventTable(items))
			})
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "partition (needs-action, done)")
	cmd.Flags().StringVar(&source, "source", "", "source filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max events")
	return cmd
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				e, err := rt.Repo.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
	return cmd
}

func eventRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <event-id>",
		Short: "Reject an unprocessable event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Queue.Reject(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the event cannot be processed")
	return cmd
}

func planCmd() *cobra.Command {
	pln := &cobra.Command{Use: "plan", Short: "Inspect and drive plans"}
	pln.AddCommand(planListCmd())
	pln.AddCommand(planShowCmd())
	pln.AddCommand(planAdvanceCmd())
	return pln
}

func planListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListPlans(ctx, repo.PlanFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, planTable(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, in_progress, completed, failed)")
	cmd.Flags().IntVar(&limit, "n", 50, "max plans")
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its steps and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if p.Steps, err = rt.Repo.ListSteps(ctx, p.ID); err != nil {
					return err
				}
				if p.Log, err = rt.Repo.ListPlanNotes(ctx, p.ID); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Plan %s [%s] risk=%s category=%s\n", p.ID, p.Status, p.RiskLevel, p.Category)
				fmt.Printf("Objective: %s\n", p.Objective)
				for _, s := range p.Steps {
					gate := ""
					if s.RequiresApproval {
						gate = " (approval required)"
					}
					fmt.Printf("  %d. [%s] %s: %s%s\n", s.Index, s.Status, s.Kind, s.Description, gate)
				}
				for _, n := range p.Log {
					fmt.Printf("  %s %s\n", n.TS, n.Note)
				}
				return nil
			})
		},
	}
	return cmd
}

func planAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <plan-id>",
		Short: "Drive a plan until it parks or finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Executor.Run(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	apr := &cobra.Command{Use: "approval", Short: "Review and resolve approvals"}
	apr.AddCommand(approvalListCmd())
	apr.AddCommand(approvalResolveCmd("approve", domain.ApprovalApproved))
	apr.AddCommand(approvalResolveCmd("reject", domain.ApprovalRejected))
	return apr
}

func approvalListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals (pending by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var items []domain.ApprovalRequest
				var err error
				if status == domain.ApprovalPending {
					items, err = rt.Gate.Pending(ctx, limit)
				} else {
					items, err = rt.Repo.ListApprovals(ctx, repo.ApprovalFilters{Status: status, Limit: limit})
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items, approvalTable(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "status filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max approvals")
	return cmd
}

func approvalResolveCmd(use, decision string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <action-id>",
		Short: "Resolve a pending action as " + decision,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Gate.Resolve(ctx, args[0], decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escalation", Short: "Inspect escalations"}
	var planID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListEscalations(ctx, planID, limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	list.Flags().StringVar(&planID, "plan", "", "plan id filter")
	list.Flags().IntVar(&limit, "n", 50, "max escalations")
	esc.AddCommand(list)
	return esc
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	var component string
	var n int
	var cursor int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.LatestAuditEntries(ctx, n, cursor, component)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, auditTable(items))
			})
		},
	}
	tail.Flags().StringVar(&component, "component", "", "component filter (queue, approval, executor, orchestrator)")
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().Int64Var(&cursor, "cursor", 0, "return entries with id below this")
	aud.AddCommand(tail)

	var retention int
	archive := &cobra.Command{
		Use:   "archive",
		Short: "Export audit entries past the retention window to JSON and delete them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				days := retention
				if days == 0 {
					days = rt.Config.Audit.RetentionDays
				}
				if days <= 0 {
					return fmt.Errorf("retention is disabled; pass --days")
				}
				window := time.Duration(days) * 24 * time.Hour
				cutoff := time.Now().UTC().Add(-window)
				old, err := rt.Repo.AuditEntriesBefore(ctx, cutoff.Format(time.RFC3339))
				if err != nil {
					return err
				}
				if len(old) == 0 {
					fmt.Println("nothing to archive")
					return nil
				}
				path := filepath.Join(db.StateDir(viper.GetString("workspace")),
					fmt.Sprintf("audit_archive_%s.json", time.Now().UTC().Format("20060102_150405")))
				data, err := json.MarshalIndent(old, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				deleted, err := rt.Audit.Prune(ctx, window)
				if err != nil {
					return err
				}
				fmt.Printf("archived %d entries to %s\n", deleted, path)
				return nil
			})
		},
	}
	archive.Flags().IntVar(&retention, "days", 0, "retention in days (default from config)")
	aud.AddCommand(archive)
	return aud
}

func runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if once {
					res, err := rt.Loop.RunCycle(ctx)
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				fmt.Printf("orchestrator running, cycle every %s\n", rt.Config.CycleInterval())
				err := rt.Loop.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Queue:    rt.Queue,
					Gate:     rt.Gate,
					Executor: rt.Executor,
					Loop:     rt.Loop,
					Repo:     rt.Repo,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: os.Getenv("STEWARD_JWT_SECRET")},
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(rt.Repo, rt.Config.Notifications.Webhooks)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Steward API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		DryRun:    viper.GetBool("dry-run"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSONOrTable(v any, t table.Writer) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(t.Render())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func eventTable(items []domain.Event) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"EVENT ID", "SOURCE", "KIND", "PRIORITY", "PARTITION", "CREATED"})
	for _, e := range items {
		t.AppendRow(table.Row{e.EventID, e.Source, e.Kind, e.Priority, e.Partition, e.CreatedAt})
	}
	return t
}

func planTable(items []domain.Plan) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"PLAN ID", "EVENT ID", "CATEGORY", "RISK", "STATUS", "CREATED"})
	for _, p := range items {
		t.AppendRow(table.Row{p.ID, p.EventID, p.Category, p.RiskLevel, p.Status, p.CreatedAt})
	}
	return t
}

func approvalTable(items []domain.ApprovalRequest) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ACTION ID", "PLAN ID", "STEP", "RISK", "STATUS", "EXPIRES"})
	for _, a := range items {
		t.AppendRow(table.Row{a.ActionID, a.PlanID, a.StepIndex, a.RiskLevel, a.Status, a.ExpiresAt})
	}
	return t
}

func auditTable(items []domain.AuditEntry) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "TS", "LEVEL", "COMPONENT", "ACTION", "TARGET", "STATUS"})
	for _, a := range items {
		t.AppendRow(table.Row{a.ID, a.TS, a.Level, a.Component, a.Action, a.Target, a.Status})
	}
	return t
}
