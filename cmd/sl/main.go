package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/extract"
	"stageline/internal/ingest"
	"stageline/internal/migrate"
	"stageline/internal/pipeline"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline ingests raw content, extracts structured drafts, deduplicates
them, and stages the resulting changes as proposals for review. Nothing
reaches a canonical record without an approved proposal.

Workspace: the .stageline directory holding the database; stageline.yml
next to it tunes retries, cache TTLs, and dedup thresholds.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default stageline.yml",
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
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrated", db.Path(viper.GetString("workspace")))
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	var stableKey, entityKey, source, file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit content for ingestion",
		Long:  "Reads raw content from --file, or stdin when --file is omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if file != "" {
				raw, err = os.ReadFile(file)
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				rec, changed, err := p.Ingest.Accept(ctx, ingest.Submission{
					StableKey: stableKey,
					EntityKey: entityKey,
					Source:    source,
					Raw:       string(raw),
				})
				if err != nil {
					return err
				}
				if !changed {
					fmt.Printf("unchanged, already stored as version %d\n", rec.Version)
					return nil
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&stableKey, "stable-key", "", "source identity key")
	cmd.Flags().StringVar(&entityKey, "entity-key", "", "target record collection")
	cmd.Flags().StringVar(&source, "source", "", "origin label")
	cmd.Flags().StringVar(&file, "file", "", "read content from file")
	_ = cmd.MarkFlagRequired("stable-key")
	_ = cmd.MarkFlagRequired("entity-key")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <entity-key>",
		Short: "Run the processing workflow for an entity key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				inst, err := p.RunWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect workflow runs"}
	wf.AddCommand(&cobra.Command{
		Use:   "show <entity-key>",
		Short: "Latest run for an entity key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				inst, err := p.Repo.LatestWorkflowByKey(ctx, args[0])
				if err != nil {
					return err
				}
				checkpoints, err := p.Repo.ListCheckpoints(ctx, inst.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"workflow":    inst,
					"checkpoints": checkpoints,
				})
			})
		},
	})
	wf.AddCommand(&cobra.Command{
		Use:   "resume <entity-key>",
		Short: "Resume an interrupted run past its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				inst, err := p.Workflows.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	})
	return wf
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect and manage queued jobs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobDeadLettersCmd())
	job.AddCommand(jobRetryCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				jobs, err := p.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempt", "Run At", "Last Error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.Attempt, j.RunAt, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "job type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job with its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				j, err := p.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				attempts, err := p.Repo.ListJobAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": j, "attempts": attempts})
			})
		},
	}
}

func jobDeadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				items, err := p.Repo.ListDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job ID", "Type", "Attempts", "Reason", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.JobID, d.JobType, d.Attempts, d.Reason, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func jobRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a dead job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				if err := p.Queue.RetryDead(ctx, args[0]); err != nil {
					return err
				}
				j, err := p.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{Use: "proposal", Short: "Review staged proposals"}
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalShowCmd())
	prop.AddCommand(proposalApproveCmd())
	prop.AddCommand(proposalRejectCmd())
	prop.AddCommand(proposalCommentCmd())
	return prop
}

func proposalListCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Pending proposals for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				items, err := p.Repo.ListPendingProposals(ctx, targetID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Op", "Confidence", "Round", "Reasoning"})
				for _, pr := range items {
					tw.AppendRow(table.Row{pr.ID, pr.Op, pr.Confidence, pr.RevisionRound, pr.Reasoning})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target entity key")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				pr, err := p.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pr)
			})
		},
	}
}

func proposalApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a proposal and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				if err := p.Staging.Approve(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				pr, err := p.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pr)
			})
		},
	}
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				if err := p.Staging.Reject(ctx, args[0], viper.GetString("actor-id"), reason); err != nil {
					return err
				}
				pr, err := p.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pr)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func proposalCommentCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Request a revision of a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if comment == "" {
				return fmt.Errorf("--comment required")
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				j, err := p.Staging.Comment(ctx, args[0], viper.GetString("actor-id"), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "revision guidance")
	return cmd
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Browse canonical records"}
	var entityKey string
	list := &cobra.Command{
		Use:   "list",
		Short: "List records for an entity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				items, err := p.Repo.ListRecords(ctx, entityKey)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Merged Into", "Deleted", "Updated"})
				for _, r := range items {
					merged := ""
					if r.MergedInto != nil {
						merged = *r.MergedInto
					}
					tw.AppendRow(table.Row{r.ID, r.Title, merged, r.Deleted, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&entityKey, "entity-key", "", "record collection")
	_ = list.MarkFlagRequired("entity-key")
	rec.AddCommand(list)
	rec.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				r, err := p.Repo.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	})
	return rec
}

func cacheCmd() *cobra.Command {
	cache := &cobra.Command{Use: "cache", Short: "Manage the memoization cache"}
	cache.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Drop expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				n, err := p.Memo.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("purged %d entries\n", n)
				return nil
			})
		},
	})
	return cache
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
				events, err := p.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func workerCmd() *cobra.Command {
	var workers int
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			return withPipelineLogged(cmd.Context(), workers, log, func(ctx context.Context, p *pipeline.Pipeline) error {
				if once {
					n, err := p.Runner.RunOnce(ctx, "cli-worker")
					if err != nil {
						return err
					}
					fmt.Printf("processed %d jobs\n", n)
					return nil
				}
				log.Info("workers running", zap.Int("workers", workers))
				return p.Runner.Run(ctx)
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent workers")
	cmd.Flags().BoolVar(&once, "once", false, "drain ready jobs and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with in-process workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			return withPipelineLogged(cmd.Context(), workers, log, func(ctx context.Context, p *pipeline.Pipeline) error {
				if addr == "" {
					addr = p.Config.Server.Addr
				}
				authCfg := server.AuthConfig{
					JWTSecret: p.Config.Server.JWTSecret,
					APIKeys:   p.Config.Server.APIKeys,
				}
				if secret := os.Getenv("STAGELINE_JWT_SECRET"); secret != "" {
					authCfg.JWTSecret = secret
				}
				handler, err := server.New(server.Config{Pipeline: p, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return p.Runner.Run(ctx)
				})
				g.Go(func() error {
					<-ctx.Done()
					shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutCtx)
				})
				g.Go(func() error {
					log.Info("serving api",
						zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent workers")
	return cmd
}

// --- helpers ---

func withPipeline(ctx context.Context, fn func(context.Context, *pipeline.Pipeline) error) error {
	return withPipelineLogged(ctx, 1, zap.NewNop(), fn)
}

func withPipelineLogged(ctx context.Context, workers int, log *zap.Logger, fn func(context.Context, *pipeline.Pipeline) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	p, err := pipeline.New(conn, cfg, extract.Heuristic{}, workers, log)
	if err != nil {
		return err
	}
	return fn(ctx, p)
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
