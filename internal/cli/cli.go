package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/juniap-tecnots/contentflow/internal/config"
	"github.com/juniap-tecnots/contentflow/internal/directory"
	internal_http "github.com/juniap-tecnots/contentflow/internal/http"
	"github.com/juniap-tecnots/contentflow/internal/log"
	"github.com/juniap-tecnots/contentflow/internal/notify"
	internal_storage "github.com/juniap-tecnots/contentflow/internal/storage"
	"github.com/juniap-tecnots/contentflow/pkg/models"
	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/juniap-tecnots/contentflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// runtime is everything a command needs, built from configuration.
type runtime struct {
	cfg     *config.Config
	svc     *service.WorkflowService
	closers []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

type opener func(cmd *cobra.Command) (*runtime, error)

// SetupCLI registers every contentflow command on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default ./contentflow.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides database.url)")
	setup(rootCmd, openRuntime)
}

func setup(rootCmd *cobra.Command, open opener) {
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(
		serveCmd(open),
		templateCmd(open),
		instanceCmd(open),
		tasksCmd(open),
		ruleCmd(open),
		auditCmd(open),
		sweepCmd(open),
	)
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.URL = db
	}
	log.SetLevel(cfg.Log.Level)
	logger := log.GetLogger()
	rt := &runtime{cfg: cfg}

	var store storage.Store
	if cfg.Database.URL == "" {
		logger.Warnf("No database configured, using the in-memory store")
		store = storage.NewMemoryStore()
	} else {
		pg, err := internal_storage.InitStore(cfg.Database.URL, 15*time.Second)
		if err != nil {
			return nil, errors.Wrap(err, "connect to database")
		}
		store = pg
	}
	rt.closers = append(rt.closers, func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	})

	var (
		notifier service.Notifier    = notify.NewLogNotifier(logger)
		gate     service.ContentGate = notify.NewLogNotifier(logger)
	)
	if cfg.Redis.Addr != "" {
		pub, client, err := notify.Dial(cmd.Context(), cfg.Redis.Addr, cfg.Redis.Channel, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { client.Close() })
		notifier, gate = pub, pub
	}

	rt.svc = service.NewWorkflowService(context.Background(), store, logger,
		service.WithDirectory(directory.NewStatic(cfg.Directory)),
		service.WithNotifier(notifier),
		service.WithContentGate(gate),
		service.WithMetrics(service.NewMetrics(prometheus.DefaultRegisterer)),
		service.WithWorkers(cfg.Sweep.Workers),
		service.WithAuditRetries(cfg.Audit.MaxRetries),
	)
	rt.closers = append(rt.closers, rt.svc.Close)
	return rt, nil
}

// withRuntime opens the runtime around fn.
func withRuntime(open opener, fn func(cmd *cobra.Command, args []string, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := open(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd, args, rt)
	}
}

func serveCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the escalation sweeper",
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return internal_http.StartServer(ctx, fmt.Sprint(rt.cfg.Server.Port), rt.svc, nil)
			})
			g.Go(func() error {
				return service.NewSweeper(rt.svc, rt.cfg.Sweep.Interval, log.GetLogger()).Run(ctx)
			})
			return g.Wait()
		}),
	}
}

func readYAML(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func ts(t time.Time) string {
	return t.Format(time.RFC3339)
}

func templateCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage workflow templates"}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a template from a YAML file",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			file, _ := cmd.Flags().GetString("file")
			var def service.TemplateDefinition
			if err := readYAML(file, &def); err != nil {
				return err
			}
			t, err := rt.svc.Templates.CreateTemplate(cmd.Context(), def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created template '%s' with ID %s (version %d)\n", t.Name, t.ID, t.Version)
			return nil
		}),
	}
	create.Flags().StringP("file", "f", "", "Template definition (YAML)")
	_ = create.MarkFlagRequired("file")

	update := &cobra.Command{
		Use:   "update [id]",
		Short: "Update a template from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			file, _ := cmd.Flags().GetString("file")
			var def service.TemplateDefinition
			if err := readYAML(file, &def); err != nil {
				return err
			}
			t, err := rt.svc.Templates.UpdateTemplate(cmd.Context(), args[0], def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Template '%s' is now %s (version %d)\n", t.Name, t.ID, t.Version)
			return nil
		}),
	}
	update.Flags().StringP("file", "f", "", "Template definition (YAML)")
	_ = update.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			contentType, _ := cmd.Flags().GetString("content-type")
			name, _ := cmd.Flags().GetString("name")
			latest, _ := cmd.Flags().GetBool("latest")
			templates, err := rt.svc.Templates.ListTemplates(cmd.Context(), models.TemplateFilter{
				ContentType: models.ContentType(contentType),
				Name:        name,
				LatestOnly:  latest,
			})
			if err != nil {
				return err
			}
			if len(templates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No templates found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tVERSION\tSTAGES")
			for _, t := range templates {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", t.ID, t.Name, t.ContentType, t.Version, len(t.Stages))
			}
			return tw.Flush()
		}),
	}
	list.Flags().String("content-type", "", "Filter by content type")
	list.Flags().String("name", "", "Filter by name substring")
	list.Flags().Bool("latest", false, "Only the latest version of each template")

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			t, err := rt.svc.Templates.GetTemplate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), t)
		}),
	}

	cmd.AddCommand(create, update, list, get)
	return cmd
}

func printInstance(w io.Writer, i models.WorkflowInstance) {
	fmt.Fprintf(w, "Instance %s: content %s, stage %d, %s\n", i.ID, i.ContentID, i.CurrentStageIndex, i.Status)
}

func instanceCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Run content through workflows"}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance for a content item",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			var req service.StartRequest
			req.TemplateID, _ = cmd.Flags().GetString("template")
			req.ContentID, _ = cmd.Flags().GetString("content")
			req.Title, _ = cmd.Flags().GetString("title")
			req.Actor, _ = cmd.Flags().GetString("actor")
			priority, _ := cmd.Flags().GetString("priority")
			req.Priority = models.Priority(strings.ToUpper(priority))
			i, err := rt.svc.Engine.StartInstance(cmd.Context(), req)
			if err != nil {
				return err
			}
			printInstance(cmd.OutOrStdout(), i)
			return nil
		}),
	}
	start.Flags().String("template", "", "Template ID")
	start.Flags().String("content", "", "Content ID")
	start.Flags().String("title", "", "Content title")
	start.Flags().String("priority", "MEDIUM", "LOW, MEDIUM or HIGH")
	start.Flags().String("actor", "", "Who starts the workflow")
	_ = start.MarkFlagRequired("template")
	_ = start.MarkFlagRequired("content")

	advance := &cobra.Command{
		Use:   "advance [id]",
		Short: "Approve or reject the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			decision, _ := cmd.Flags().GetString("decision")
			actor, _ := cmd.Flags().GetString("actor")
			comment, _ := cmd.Flags().GetString("comment")
			i, err := rt.svc.Engine.Advance(cmd.Context(), args[0], service.Decision(strings.ToUpper(decision)), actor, comment)
			if err != nil {
				return err
			}
			printInstance(cmd.OutOrStdout(), i)
			return nil
		}),
	}
	advance.Flags().String("decision", "", "APPROVE or REJECT")
	advance.Flags().String("actor", "", "Reviewer")
	advance.Flags().String("comment", "", "Optional comment")
	_ = advance.MarkFlagRequired("decision")
	_ = advance.MarkFlagRequired("actor")

	cancel := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an in-progress instance",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")
			i, err := rt.svc.Engine.Cancel(cmd.Context(), args[0], actor, reason)
			if err != nil {
				return err
			}
			printInstance(cmd.OutOrStdout(), i)
			return nil
		}),
	}
	cancel.Flags().String("actor", "", "Who cancels")
	cancel.Flags().String("reason", "", "Why")
	_ = cancel.MarkFlagRequired("actor")

	comment := &cobra.Command{
		Use:   "comment [id] [text]",
		Short: "Comment on an instance",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			actor, _ := cmd.Flags().GetString("actor")
			e, err := rt.svc.Engine.Comment(cmd.Context(), args[0], actor, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Comment %s recorded at %s\n", e.ID, ts(e.Timestamp))
			return nil
		}),
	}
	comment.Flags().String("actor", "", "Who comments")
	_ = comment.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			status, _ := cmd.Flags().GetString("status")
			templateID, _ := cmd.Flags().GetString("template")
			contentID, _ := cmd.Flags().GetString("content")
			instances, err := rt.svc.Engine.ListInstances(cmd.Context(), models.InstanceFilter{
				Status:     models.InstanceStatus(strings.ToUpper(status)),
				TemplateID: templateID,
				ContentID:  contentID,
			})
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No instances found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCONTENT\tSTAGE\tSTATUS\tPRIORITY\tCREATED")
			for _, i := range instances {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", i.ID, i.ContentID, i.CurrentStageIndex, i.Status, i.Priority, ts(i.CreatedAt))
			}
			return tw.Flush()
		}),
	}
	list.Flags().String("status", "", "Filter by status")
	list.Flags().String("template", "", "Filter by template ID")
	list.Flags().String("content", "", "Filter by content ID")

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			i, err := rt.svc.Engine.GetInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), i)
		}),
	}

	cmd.AddCommand(start, advance, cancel, comment, list, get)
	return cmd
}

func tasksCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List review tasks",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			var f models.TaskFilter
			scope, _ := cmd.Flags().GetString("scope")
			status, _ := cmd.Flags().GetString("status")
			f.Scope = models.TaskScope(scope)
			f.Status = models.TaskStatus(strings.ToUpper(status))
			f.User, _ = cmd.Flags().GetString("user")
			f.Role, _ = cmd.Flags().GetString("role")
			f.WorkflowInstanceID, _ = cmd.Flags().GetString("instance")
			f.Overdue, _ = cmd.Flags().GetBool("overdue")
			tasks, err := rt.svc.Tasks.ListTasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
				return nil
			}
			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTAGE\tROLE\tASSIGNEE\tPRIORITY\tDUE\tSTATUS")
			for _, t := range tasks {
				state := string(t.Status)
				if t.Open() && rt.svc.Tasks.IsOverdue(t, now) {
					state += " (overdue)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Stage, t.Role, t.AssignedTo, t.Priority, ts(t.DueDate), state)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().String("scope", "all", "all, my-tasks or team-tasks")
	cmd.Flags().String("user", "", "User for my-tasks")
	cmd.Flags().String("role", "", "Role for team-tasks")
	cmd.Flags().String("status", "", "PENDING, APPROVED or REJECTED")
	cmd.Flags().String("instance", "", "Only tasks of this instance")
	cmd.Flags().Bool("overdue", false, "Only open tasks past their due date")

	claim := &cobra.Command{
		Use:   "claim [task-id]",
		Short: "Take an unassigned task",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			user, _ := cmd.Flags().GetString("user")
			t, err := rt.svc.Tasks.ClaimTask(cmd.Context(), args[0], user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s assigned to %s\n", t.ID, t.AssignedTo)
			return nil
		}),
	}
	claim.Flags().String("user", "", "Who claims the task")
	_ = claim.MarkFlagRequired("user")

	decide := &cobra.Command{
		Use:   "decide [task-id]",
		Short: "Approve or reject a task, failing if it was already processed",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			decision, _ := cmd.Flags().GetString("decision")
			actor, _ := cmd.Flags().GetString("actor")
			comment, _ := cmd.Flags().GetString("comment")
			i, err := rt.svc.Engine.AdvanceTask(cmd.Context(), args[0], service.Decision(strings.ToUpper(decision)), actor, comment)
			if err != nil {
				return err
			}
			printInstance(cmd.OutOrStdout(), i)
			return nil
		}),
	}
	decide.Flags().String("decision", "", "APPROVE or REJECT")
	decide.Flags().String("actor", "", "Reviewer")
	decide.Flags().String("comment", "", "Optional comment")
	_ = decide.MarkFlagRequired("decision")
	_ = decide.MarkFlagRequired("actor")

	cmd.AddCommand(claim, decide)
	return cmd
}

func ruleCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage escalation rules"}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an escalation rule",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			var def service.RuleDefinition
			action, _ := cmd.Flags().GetString("action")
			disabled, _ := cmd.Flags().GetBool("disabled")
			def.Stage, _ = cmd.Flags().GetString("stage")
			def.OverdueHours, _ = cmd.Flags().GetFloat64("overdue-hours")
			def.Action = models.EscalationAction(strings.ToUpper(action))
			enabled := !disabled
			def.Enabled = &enabled
			r, err := rt.svc.Rules.CreateRule(cmd.Context(), def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created rule %s: stage '%s' +%vh -> %s\n", r.ID, r.Stage, r.OverdueHours, r.Action)
			return nil
		}),
	}
	create.Flags().String("stage", "", "Stage name")
	create.Flags().Float64("overdue-hours", 0, "Hours past the SLA before the rule fires")
	create.Flags().String("action", "", "NOTIFY_MANAGER, REASSIGN_TO_TEAM, AUTO_REJECT, NOTIFY_HEAD or BLOCK_CONTENT")
	create.Flags().Bool("disabled", false, "Create the rule disabled")
	_ = create.MarkFlagRequired("stage")
	_ = create.MarkFlagRequired("overdue-hours")
	_ = create.MarkFlagRequired("action")

	list := &cobra.Command{
		Use:   "list",
		Short: "List escalation rules",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			stage, _ := cmd.Flags().GetString("stage")
			rules, err := rt.svc.Rules.ListRules(cmd.Context(), stage)
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rules found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTAGE\tOVERDUE_HOURS\tACTION\tENABLED")
			for _, r := range rules {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%v\n", r.ID, r.Stage, r.OverdueHours, r.Action, r.Enabled)
			}
			return tw.Flush()
		}),
	}
	list.Flags().String("stage", "", "Filter by stage")

	toggle := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [id]",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
				r, err := rt.svc.Rules.SetEnabled(cmd.Context(), args[0], enabled)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rule %s enabled=%v\n", r.ID, r.Enabled)
				return nil
			}),
		}
	}

	del := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete an escalation rule",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(open, func(cmd *cobra.Command, args []string, rt *runtime) error {
			if err := rt.svc.Rules.DeleteRule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(create, list, toggle("enable", "Enable an escalation rule", true), toggle("disable", "Disable an escalation rule", false), del)
	return cmd
}

func auditCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			var f models.AuditFilter
			action, _ := cmd.Flags().GetString("action")
			replay, _ := cmd.Flags().GetBool("replay")
			f.WorkflowInstanceID, _ = cmd.Flags().GetString("instance")
			f.User, _ = cmd.Flags().GetString("user")
			f.Limit, _ = cmd.Flags().GetInt("limit")
			f.Action = models.AuditAction(strings.ToUpper(action))
			if replay && f.WorkflowInstanceID == "" {
				return errors.New("--replay needs --instance")
			}
			entries, err := rt.svc.Audit.QueryAll(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-9s  %-12s  stage '%s'", ts(e.Timestamp), e.Action, e.User, e.Stage)
				if c := e.Payload[models.PayloadComment]; c != "" {
					fmt.Fprintf(out, "  %q", c)
				}
				fmt.Fprintln(out)
			}
			if !replay {
				return nil
			}
			inst, err := rt.svc.Engine.GetInstance(cmd.Context(), f.WorkflowInstanceID)
			if err != nil {
				return err
			}
			tmpl, err := rt.svc.Templates.GetTemplate(cmd.Context(), inst.TemplateID)
			if err != nil {
				return err
			}
			rebuilt, err := service.Replay(tmpl, entries)
			if err != nil {
				return errors.Wrap(err, "replay")
			}
			match := rebuilt.Status == inst.Status && rebuilt.CurrentStageIndex == inst.CurrentStageIndex
			fmt.Fprintf(out, "Replayed: stage %d, %s (matches stored state: %v)\n", rebuilt.CurrentStageIndex, rebuilt.Status, match)
			return nil
		}),
	}
	cmd.Flags().String("instance", "", "Only entries of this instance")
	cmd.Flags().String("user", "", "Only entries by this user")
	cmd.Flags().String("action", "", "Only entries with this action")
	cmd.Flags().Int("limit", 0, "Maximum number of entries")
	cmd.Flags().Bool("replay", false, "Rebuild the instance state from its trail")
	return cmd
}

func sweepCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation pass now",
		Args:  cobra.NoArgs,
		RunE: withRuntime(open, func(cmd *cobra.Command, _ []string, rt *runtime) error {
			if err := rt.svc.Audit.Flush(cmd.Context()); err != nil {
				log.GetLogger().Errorf("Audit flush failed: %v", err)
			}
			report, err := rt.svc.Evaluator.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d open tasks, %d overdue, %d escalated, %d failed\n",
				report.Scanned, report.Overdue, report.Fired, len(report.Failures))
			for _, f := range report.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
			}
			return nil
		}),
	}
}
