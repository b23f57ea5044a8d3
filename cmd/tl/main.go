package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskloom/internal/app"
	"taskloom/internal/config"
	"taskloom/internal/db"
	"taskloom/internal/domain"
	"taskloom/internal/engine"
	"taskloom/internal/migrate"
	"taskloom/internal/repo"
	"taskloom/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskloom CLI",
	Long: `Taskloom is a collaborative task board with rule-based automation.
- Workspace: the .taskloom directory holding the database; per-project config lives in the DB.
- Project: owns a status set, members (owner/editor/viewer), and tasks.
- Tasks: move through the project's statuses; every change lands in the task history.
- Rules: "when X happens, do Y" automations (award a badge, move status, assign, notify).
- Inbox: notifications produced by assignments, comments, and automations.
- Event log: audit diary of changes, view with 'tl log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(badgeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	var statuses []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			p, err := e.CreateProject(cmd.Context(), engine.ProjectCreateOptions{
				ID:          id,
				Name:        name,
				Description: desc,
				Statuses:    statuses,
				ActorID:     viper.GetString("user-id"),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	cmd.Flags().StringSliceVar(&statuses, "statuses", nil, "ordered status set (default To Do,In Progress,Done)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [project-id]",
		Short: "Show project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id := e.Config.Project.ID
				if len(args) == 1 {
					id = args[0]
				}
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"project":     p,
					"task_counts": counts,
				})
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteProject(ctx, args[0])
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default taskloom.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "my-board"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.UpsertProjectConfig(ctx, cfg.Project.ID, cfg)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config file path")
	cfgCmd.AddCommand(importCmd)
	return cfgCmd
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage project members"}
	var role string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add or re-role a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				added, err := e.AddMember(ctx, e.Config.Project.ID, args[0], role, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(added)
			})
		},
	}
	add.Flags().StringVar(&role, "role", "editor", "owner, editor, or viewer")
	m.AddCommand(add)
	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.Repo.ListMembers(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveMember(ctx, e.Config.Project.ID, args[0], viper.GetString("user-id"))
			})
		},
	})
	return m
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskAddCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskStatusCmd())
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskHistoryCmd())
	t.AddCommand(taskCommentCmd())
	return t
}

func taskAddCmd() *cobra.Command {
	var title, desc, status, assignee, due string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, fr, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ProjectID:   e.Config.Project.ID,
					Title:       title,
					Description: desc,
					Status:      status,
					AssigneeID:  assignee,
					DueDate:     due,
					ActorID:     viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				printFireResult(fr)
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "task description")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default: first project status)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					ProjectID:  e.Config.Project.ID,
					Status:     status,
					AssigneeID: assignee,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Due"})
				for _, task := range items {
					assigned := ""
					if task.AssigneeID != nil {
						assigned = *task.AssigneeID
					}
					dueDate := ""
					if task.DueDate != nil {
						dueDate = *task.DueDate
					}
					tw.AppendRow(table.Row{task.ID, task.Title, task.Status, assigned, dueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				comments, err := e.Repo.ListComments(ctx, task.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"task":     task,
					"comments": comments,
				})
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, due string
	var clearDue bool
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{
					ID:           args[0],
					ClearDueDate: clearDue,
					ActorID:      viper.GetString("user-id"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("due") {
					opts.DueDate = &due
				}
				task, fr, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				printFireResult(fr)
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&due, "due", "", "new due date (RFC3339)")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "remove the due date")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move task to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, fr, err := e.SetTaskStatus(ctx, args[0], args[1], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				printFireResult(fr)
				return printJSONOrTable(task)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var unassign bool
	cmd := &cobra.Command{
		Use:   "assign <task-id> [user-id]",
		Short: "Assign or unassign a task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee := ""
			if len(args) == 2 {
				assignee = args[1]
			}
			if !unassign && assignee == "" {
				return fmt.Errorf("user-id required unless --unassign")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, fr, err := e.AssignTask(ctx, args[0], assignee, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				printFireResult(fr)
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().BoolVar(&unassign, "unassign", false, "clear the assignee")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show task history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.Repo.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Actor", "Action", "Old", "New"})
				for _, h := range history {
					oldVal, newVal := "", ""
					if h.OldValue != nil {
						oldVal = *h.OldValue
					}
					if h.NewValue != nil {
						newVal = *h.NewValue
					}
					tw.AppendRow(table.Row{h.TS, h.ActorID, h.Action, oldVal, newVal})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCommentCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "comment <task-id>",
		Short: "Comment on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if body == "" {
				return fmt.Errorf("--body required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddComment(ctx, args[0], body, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "comment body")
	return cmd
}

func ruleCmd() *cobra.Command {
	r := &cobra.Command{Use: "rule", Short: "Manage automation rules"}
	r.AddCommand(ruleAddCmd())
	r.AddCommand(ruleListCmd())
	r.AddCommand(ruleShowCmd())
	r.AddCommand(ruleToggleCmd("enable", true))
	r.AddCommand(ruleToggleCmd("disable", false))
	r.AddCommand(ruleDeleteCmd())
	r.AddCommand(ruleSweepCmd())
	return r
}

func ruleAddCmd() *cobra.Command {
	var name, trigger, whenStatus, whenAssignee string
	var action, toStatus, assignUser, badge, recipient, message string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create automation rule",
		Example: `  tl rule add --name "Mover" --trigger task_status_changed --when-status Done \
      --action assign_badge --badge Mover`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			trig := domain.Trigger{Kind: domain.TriggerKind(trigger)}
			if whenStatus != "" {
				trig.Condition = &domain.TriggerCondition{Field: "status", Operator: "equals", Value: whenStatus}
			} else if whenAssignee != "" {
				trig.Condition = &domain.TriggerCondition{Field: "assignee", Operator: "equals", Value: whenAssignee}
			}
			act := domain.Action{
				Kind: domain.ActionKind(action),
				Params: domain.ActionParams{
					Status:      toStatus,
					UserID:      assignUser,
					BadgeName:   badge,
					RecipientID: recipient,
					Message:     message,
				},
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.CreateRule(ctx, engine.RuleCreateOptions{
					ProjectID: e.Config.Project.ID,
					Name:      name,
					Trigger:   trig,
					Action:    act,
					ActorID:   viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "task_status_changed, task_assigned, task_due_date_passed, task_created, task_updated")
	cmd.Flags().StringVar(&whenStatus, "when-status", "", "status condition (task_status_changed)")
	cmd.Flags().StringVar(&whenAssignee, "when-assignee", "", "assignee condition (task_assigned)")
	cmd.Flags().StringVar(&action, "action", "", "assign_badge, change_status, assign_user, send_notification")
	cmd.Flags().StringVar(&toStatus, "to-status", "", "target status (change_status)")
	cmd.Flags().StringVar(&assignUser, "assign-user", "", "target user (assign_user)")
	cmd.Flags().StringVar(&badge, "badge", "", "badge name (assign_badge)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "explicit recipient (assign_badge, send_notification)")
	cmd.Flags().StringVar(&message, "message", "", "notification text (send_notification)")
	return cmd
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListProjectRules(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Action", "Active", "Runs"})
				for _, rule := range rules {
					tw.AppendRow(table.Row{rule.ID, rule.Name, rule.Trigger.Kind, rule.Action.Kind, rule.Active, rule.ExecutionCount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show automation rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.Repo.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
}

func ruleToggleCmd(use string, active bool) *cobra.Command {
	short := "Enable a rule"
	if !active {
		short = "Disable a rule"
	}
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.ToggleRule(ctx, args[0], active, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteRule(ctx, args[0], viper.GetString("user-id"))
			})
		},
	}
}

func ruleSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-due",
		Short: "Fire task_due_date_passed rules for overdue tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fr, err := e.SweepDueDates(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(fr)
			})
		},
	}
}

func inboxCmd() *cobra.Command {
	inbox := &cobra.Command{Use: "inbox", Short: "Notifications"}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List my notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, repo.NotificationFilters{
					RecipientID: viper.GetString("user-id"),
					UnreadOnly:  unread,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "unread only")
	list.Flags().IntVar(&limit, "limit", 0, "max results")
	inbox.AddCommand(list)
	inbox.AddCommand(&cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.MarkNotificationRead(ctx, args[0], viper.GetString("user-id"))
			})
		},
	})
	return inbox
}

func badgeCmd() *cobra.Command {
	b := &cobra.Command{Use: "badge", Short: "Badges"}
	b.AddCommand(&cobra.Command{
		Use:   "list [user-id]",
		Short: "List a user's badges",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := viper.GetString("user-id")
			if len(args) == 1 {
				userID = args[0]
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				badges, err := r.ListBadges(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(badges)
			})
		},
	})
	return b
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("user-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TASKLOOM_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKLOOM_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			go dueDateSweeper(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskloom API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func dueDateSweeper(ctx context.Context, e engine.Engine) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepDueDates(ctx, e.Config.Project.ID); err != nil {
				fmt.Fprintln(os.Stderr, "due date sweep:", err)
			}
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("user-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printFireResult(fr engine.FireResult) {
	if fr.Attempted == 0 || viper.GetBool("json") {
		return
	}
	fmt.Printf("automation: %d attempted, %d succeeded\n", fr.Attempted, fr.Succeeded)
	for _, f := range fr.Failures {
		fmt.Printf("  rule %s failed: %s\n", f.RuleID, f.Reason)
	}
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
