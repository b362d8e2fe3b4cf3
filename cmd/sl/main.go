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

	"github.com/getsentry/sentry-go"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"specline/internal/app"
	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Specline CLI",
	Long: `Specline turns a rough product idea into an ordered plan of implementation prompts.
The pipeline has three paid stages:
- Interview: the assistant asks clarifying questions until it has enough detail.
- Blueprints: a suite of planning documents chosen from the project type and detected features.
- Prompts: an ordered sequence of implementation tasks with prerequisites; finishing a task unlocks the next ones.
Everything lives in the .specline workspace; 'sl serve' exposes the same operations over HTTP.`,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPECLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("sentry-dsn", "SENTRY_DSN")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user acting on the workspace")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-mode", "dev", "log format (dev or prod)")
	rootCmd.PersistentFlags().StringSlice("llm-api-keys", nil, "AI provider API keys, tried in rotation")
	rootCmd.PersistentFlags().String("ledger", "", "credit ledger backend (sqlite or redis)")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address for the redis ledger")
	for _, name := range []string{"workspace", "json", "user-id", "log-level", "log-mode", "llm-api-keys", "ledger", "redis-addr"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(interviewCmd())
	rootCmd.AddCommand(blueprintsCmd())
	rootCmd.AddCommand(promptsCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration (specline.yml)"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default specline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			cfg.LLM.APIKeys = redactKeys(cfg.LLM.APIKeys)
			for i := range cfg.Webhooks {
				if cfg.Webhooks[i].Secret != "" {
					cfg.Webhooks[i].Secret = "***"
				}
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate specline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				fmt.Println("no specline.yml; defaults apply")
				return nil
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectListCmd())
	cmd.AddCommand(projectShowCmd())
	cmd.AddCommand(projectDeleteCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var title, projectType, techStack string
	var features []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					UserID:      userID,
					Title:       title,
					ProjectType: projectType,
					Features:    features,
					TechStack:   techStack,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&projectType, "type", "", "project type (e.g. marketplace, saas)")
	cmd.Flags().StringSliceVar(&features, "feature", nil, "declared feature (repeatable)")
	cmd.Flags().StringVar(&techStack, "tech-stack", "", "preferred technologies")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				items, err := e.ListProjects(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Features", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.ProjectType, strings.Join(p.Features, ", "), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				p, err := e.GetProject(ctx, userID, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"project": p}
				if c, err := e.Conversation(ctx, userID, p.ID); err == nil {
					out["interview"] = map[string]any{"status": c.Status, "questions_asked": c.QuestionsAsked}
				} else if !engine.IsNotFound(err) {
					return err
				}
				if s, err := e.BlueprintSuite(ctx, userID, p.ID); err == nil {
					out["blueprints"] = map[string]any{"status": s.Status, "completed": s.CompletedCount, "total": s.TotalCount}
				} else if !engine.IsNotFound(err) {
					return err
				}
				if s, err := e.PromptSequence(ctx, userID, p.ID); err == nil {
					out["prompts"] = map[string]any{"status": s.Status, "completed": s.CompletedPrompts, "total": s.TotalPrompts}
				} else if !engine.IsNotFound(err) {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and everything generated for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				return e.DeleteProject(ctx, userID, args[0])
			})
		},
	}
}

func interviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interview",
		Short: "Requirements interview",
		Long:  "Answers cost credits; starting the interview is free.",
	}
	cmd.AddCommand(interviewStartCmd())
	cmd.AddCommand(interviewAnswerCmd())
	cmd.AddCommand(interviewShowCmd())
	return cmd
}

func interviewStartCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start the interview with an initial description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ask(cmd.Context(), engine.AskOptions{ProjectID: args[0], InitialDescription: description})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "what you want to build")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func interviewAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <project-id> <message>",
		Short: "Answer the last question and get the next one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ask(cmd.Context(), engine.AskOptions{ProjectID: args[0], Message: strings.Join(args[1:], " ")})
		},
	}
}

func ask(ctx context.Context, opts engine.AskOptions) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, userID string) error {
		opts.UserID = userID
		res, err := e.AskNext(ctx, opts)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(res)
		}
		fmt.Printf("[%s] %s\n", res.Question.Category, res.Question.Question)
		if res.Question.IsComplete {
			fmt.Printf("Interview complete (%s). Next: sl blueprints generate %s\n", res.Question.Reason, opts.ProjectID)
		}
		return nil
	})
}

func interviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the conversation so far",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				c, err := e.Conversation(ctx, userID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Status: %s (%d questions)\n\n%s\n\n", c.Status, c.QuestionsAsked, c.InitialDescription)
				for _, m := range c.Messages {
					fmt.Printf("%s: %s\n", m.Role, m.Content)
				}
				return nil
			})
		},
	}
}

func blueprintsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blueprints", Short: "Planning documents"}
	cmd.AddCommand(blueprintsGenerateCmd())
	cmd.AddCommand(blueprintsShowCmd())
	return cmd
}

func blueprintsGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <project-id>",
		Short: "Generate (or finish) the blueprint suite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				obs := &engine.SuiteObserver{
					OnStart: func(s domain.BlueprintSuite) {
						fmt.Fprintf(os.Stderr, "generating %d documents\n", len(s.Blueprints))
					},
					OnDocument: func(b domain.Blueprint) {
						if b.Status == domain.BlueprintFailed {
							fmt.Fprintf(os.Stderr, "  %-28s failed: %s\n", b.Type, b.Error)
							return
						}
						fmt.Fprintf(os.Stderr, "  %-28s %s\n", b.Type, b.Status)
					},
				}
				s, err := e.GenerateBlueprintSuite(ctx, userID, args[0], obs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Suite %s: %d/%d documents\n", s.Status, s.CompletedCount, s.TotalCount)
				return nil
			})
		},
	}
}

func blueprintsShowCmd() *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the suite, or one document with --type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				s, err := e.BlueprintSuite(ctx, userID, args[0])
				if err != nil {
					return err
				}
				if docType != "" {
					for _, b := range s.Blueprints {
						if b.Type == docType {
							fmt.Println(b.Content)
							return nil
						}
					}
					return fmt.Errorf("no %s document in this suite", docType)
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Title", "Status", "Size"})
				for _, b := range s.Blueprints {
					tw.AppendRow(table.Row{b.Type, b.Title, b.Status, len(b.Content)})
				}
				tw.AppendFooter(table.Row{"", s.Status, fmt.Sprintf("%d/%d", s.CompletedCount, s.TotalCount), ""})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "print one document's markdown")
	return cmd
}

func promptsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "prompts", Short: "Implementation prompt sequence"}
	cmd.AddCommand(promptsGenerateCmd())
	cmd.AddCommand(promptsListCmd())
	cmd.AddCommand(promptsShowCmd())
	cmd.AddCommand(promptsStatusCmd())
	cmd.AddCommand(promptsRegenerateCmd())
	return cmd
}

func promptsGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <project-id>",
		Short: "Generate the prompt sequence from a complete blueprint suite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				s, err := e.GeneratePromptSequence(ctx, userID, args[0])
				if err != nil {
					return err
				}
				return printSequence(s)
			})
		},
	}
}

func promptsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List prompts in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				s, err := e.PromptSequence(ctx, userID, args[0])
				if err != nil {
					return err
				}
				return printSequence(s)
			})
		},
	}
}

func promptsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id> <prompt-id>",
		Short: "Print one prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				s, err := e.PromptSequence(ctx, userID, args[0])
				if err != nil {
					return err
				}
				for _, p := range s.Prompts {
					if p.ID == args[1] {
						if viper.GetBool("json") {
							return printJSON(p)
						}
						printPrompt(p)
						return nil
					}
				}
				return engine.ErrNotFound
			})
		},
	}
}

func promptsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id> <prompt-id> <status>",
		Short: "Move a prompt to pending, unlocked, in_progress, completed or skipped",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				change, err := e.UpdatePromptStatus(ctx, userID, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(change)
				}
				fmt.Printf("%s -> %s (%d/%d completed)\n", change.Prompt.Title, change.Prompt.Status,
					change.Sequence.CompletedPrompts, change.Sequence.TotalPrompts)
				for _, t := range change.Unlocked {
					fmt.Printf("  unlocked: %s\n", t)
				}
				if change.Sequence.Status == domain.SequenceComplete {
					fmt.Println("Sequence complete.")
				}
				return nil
			})
		},
	}
}

func promptsRegenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <project-id> <prompt-id>",
		Short: "Rewrite a prompt's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				p, err := e.RegeneratePrompt(ctx, userID, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printPrompt(p)
				return nil
			})
		},
	}
}

func printSequence(s domain.PromptSequence) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "ID", "Category", "Title", "Status", "Prerequisites"})
	for _, p := range s.Prompts {
		tw.AppendRow(table.Row{p.Sequence, p.ID, p.Category, p.Title, p.Status, strings.Join(p.Prerequisites, "; ")})
	}
	tw.AppendFooter(table.Row{"", "", "", s.Status, fmt.Sprintf("%d/%d", s.CompletedPrompts, s.TotalPrompts), ""})
	tw.Render()
	return nil
}

func printPrompt(p domain.ImplementationPrompt) {
	fmt.Printf("#%d %s [%s, %s]\n\n%s\n", p.Sequence, p.Title, p.Category, p.Status, p.Content)
	if len(p.UserActions) > 0 {
		fmt.Println("\nYou will need to:")
		for _, a := range p.UserActions {
			fmt.Printf("  - %s\n", a)
		}
	}
	if len(p.AcceptanceCriteria) > 0 {
		fmt.Println("\nDone when:")
		for _, a := range p.AcceptanceCriteria {
			fmt.Printf("  - %s\n", a)
		}
	}
}

func creditsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credits", Short: "Credit balances"}
	cmd.AddCommand(&cobra.Command{
		Use:   "balance",
		Short: "Show the current user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				bal, err := e.Balance(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(server.BalanceResponse{UserID: userID, Credits: bal})
			})
		},
	})
	var target string
	var amount float64
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to a user (administrative)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				if target == "" {
					target = userID
				}
				if _, err := e.EnsureUser(ctx, target, ""); err != nil {
					return err
				}
				bal, err := e.GrantCredits(ctx, target, amount, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(server.BalanceResponse{UserID: target, Credits: bal})
			})
		},
	}
	grant.Flags().StringVar(&target, "user", "", "user to credit (default: --user-id)")
	grant.Flags().Float64Var(&amount, "amount", 0, "credits to add")
	_ = grant.MarkFlagRequired("amount")
	cmd.AddCommand(grant)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, userID string) error {
				plain, key, err := rt.Auth("", 0).CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": plain})
				}
				fmt.Printf("%s\n(store it now; only its hash is kept)\n", plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the current user's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, userID string) error {
				keys, err := rt.Auth("", 0).ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, userID string) error {
				return rt.Auth("", 0).RevokeAPIKey(ctx, userID, args[0])
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var email string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the current user (needs SPECLINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SPECLINE_JWT_SECRET is required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, userID string) error {
				token, exp, err := rt.Auth(secret, ttl).IssueToken(userID, email)
				if err != nil {
					return err
				}
				return printJSONOrTable(server.DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "log <project-id>",
		Short: "Show a project's pipeline events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, userID string) error {
				page, err := e.ListEvents(ctx, userID, args[0], after, n)
				if err != nil {
					return err
				}
				events := page.Events
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.PayloadJSON})
				}
				tw.Render()
				if page.More {
					fmt.Fprintf(os.Stderr, "more events follow; rerun with --after %d\n", events[len(events)-1].ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SPECLINE_JWT_SECRET is required for bearer auth")
			}
			if dsn := viper.GetString("sentry-dsn"); dsn != "" {
				if err := sentry.Init(sentry.ClientOptions{
					Dsn:              dsn,
					EnableTracing:    true,
					TracesSampleRate: 0.2,
					Environment:      viper.GetString("env"),
				}); err != nil {
					return fmt.Errorf("sentry init: %w", err)
				}
				defer sentry.Flush(2 * time.Second)
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Logger:   rt.Log,
				Auth: server.AuthConfig{
					Service:  rt.Auth(secret, viper.GetDuration("token-ttl")),
					DevLogin: devLogin,
					Logger:   rt.Log,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			hooks := server.NewWebhookDispatcher(rt.Engine.Repo, rt.Config.Webhooks, rt.Log)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				hooks.Run(ctx)
				return nil
			})
			rt.Log.Info("serving", "addr", addr, "base_path", basePath, "dev_login", devLogin, "webhooks", len(rt.Config.Webhooks))
			fmt.Printf("Serving Specline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (local development only)")
	cmd.Flags().Duration("token-ttl", 24*time.Hour, "lifetime of issued bearer tokens")
	_ = viper.BindPFlag("token-ttl", cmd.Flags().Lookup("token-ttl"))
	return cmd
}

// --- helpers ---

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace:     viper.GetString("workspace"),
		LogMode:       viper.GetString("log-mode"),
		LogLevel:      viper.GetString("log-level"),
		APIKeys:       viper.GetStringSlice("llm-api-keys"),
		LedgerBackend: viper.GetString("ledger"),
		RedisAddr:     viper.GetString("redis-addr"),
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime, string) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	userID := viper.GetString("user-id")
	if _, err := rt.Engine.EnsureUser(ctx, userID, ""); err != nil {
		return err
	}
	return fn(ctx, rt, userID)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime, userID string) error {
		return fn(ctx, rt.Engine, userID)
	})
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

func redactKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) > 6 {
			k = k[:3] + "..." + k[len(k)-3:]
		} else {
			k = "***"
		}
		out = append(out, k)
	}
	return out
}
