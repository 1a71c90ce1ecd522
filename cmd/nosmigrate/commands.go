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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nithronos/nosmigrate/internal/agent"
	"nithronos/nosmigrate/internal/history"
	"nithronos/nosmigrate/internal/jobs"
	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/internal/server"
	"nithronos/nosmigrate/internal/txstore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled pool jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := &server.Deps{
				Runner:      a.runner,
				Canon:       a.inventory,
				History:     a.history,
				Maintenance: a.window,
				Locks:       a.locks,
				RunContext:  ctx,
			}
			if a.agent != nil {
				deps.Agent = a.agent
			}
			srv := &http.Server{Addr: cfg.Bind, Handler: server.NewRouter(cfg, deps), ReadHeaderTimeout: 10 * time.Second}

			sched := jobs.New(a.logger, jobs.Options{
				ScrubSchedule: cfg.ScrubSchedule,
				SmartSchedule: cfg.SmartSchedule,
				Pools:         cfg.ScrubPools,
			}, a.window, a.mutator, a.inventory, a.cmds)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info().Msgf("nosmigrate listening on http://%s", cfg.Bind)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				if len(cfg.ScrubPools) == 0 {
					return nil
				}
				return sched.Start(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				// let canceled migrations finish their rollback before the history db closes
				deps.Wait()
				return err
			})
			return g.Wait()
		},
	}
}

func newAgentCmd() *cobra.Command {
	var socket string
	var allowNonRoot bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the privileged command agent on a unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !allowNonRoot {
				if err := agent.RequireRoot(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return agent.New(*server.Logger(cfg), nil).Serve(ctx, socket)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", agent.DefaultSocketPath, "unix socket path")
	cmd.Flags().BoolVar(&allowNonRoot, "allow-non-root", false, "skip the root check (testing only)")
	_ = cmd.Flags().MarkHidden("allow-non-root")
	return cmd
}

type driveFlags struct {
	pool        string
	sources     []string
	dests       []string
	maintenance bool
}

func (f *driveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.pool, "pool", "", "pool name")
	cmd.Flags().StringSliceVar(&f.sources, "source", nil, "source drive (repeatable, order defines pairing)")
	cmd.Flags().StringSliceVar(&f.dests, "dest", nil, "destination drive (repeatable, order defines pairing)")
	cmd.Flags().BoolVar(&f.maintenance, "maintenance", false, "hold the maintenance window while resilvering")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest")
}

func (f *driveFlags) context(ctx context.Context, a *app) (*migration.Context, error) {
	sources, err := a.inventory.CanonicalIDs(ctx, migration.IDs(f.sources))
	if err != nil {
		return nil, err
	}
	dests, err := a.inventory.CanonicalIDs(ctx, migration.IDs(f.dests))
	if err != nil {
		return nil, err
	}
	return migration.NewContext(strings.TrimSpace(f.pool), migration.PoolReplace, sources, dests, f.maintenance), nil
}

func newValidateCmd() *cobra.Command {
	var f driveFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a drive replacement without touching the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			mc, err := f.context(cmd.Context(), a)
			if err != nil {
				return err
			}
			m, err := migration.New(mc.Kind, a.runner.Deps)
			if err != nil {
				return err
			}
			if err := m.Validate(cmd.Context(), mc); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(map[string]any{"ok": true, "pool": mc.Pool})
			}
			fmt.Printf("✓ %s: %d drive(s) can be replaced\n", mc.Pool, len(mc.Sources))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// runReplace holds the pool lock shared with "serve" for the whole run, so a
// CLI run and an API run never drive the same pool.
func runReplace(ctx context.Context, a *app, mc *migration.Context) (txstore.Tx, error) {
	if err := a.locks.TryAcquire(mc.Pool, fmt.Sprintf("cli:%d", os.Getpid())); err != nil {
		return txstore.Tx{}, err
	}
	defer a.locks.Release(mc.Pool)
	tx, err := a.runner.Prepare(ctx, mc)
	if err != nil {
		return tx, err
	}
	a.locks.Reassign(mc.Pool, tx.ID)
	return a.runner.Execute(ctx, tx, mc)
}

func newReplaceCmd() *cobra.Command {
	var f driveFlags
	cmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace pool drives and wait until the pool has converged",
		Long: `Replace source drives with destination drives one pair at a time.

The command returns once every destination is a pool member. Interrupting it
stops the run after the current poll and undoes the autoexpand change; a
replace that zpool already started keeps resilvering.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			mc, err := f.context(ctx, a)
			if err != nil {
				return err
			}
			tx, err := runReplace(ctx, a, mc)
			if outputJSON && tx.ID != "" {
				_ = printJSON(tx)
			} else if tx.ID != "" {
				printTx(tx)
			}
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func printTx(tx txstore.Tx) {
	fmt.Printf("Migration %s\n", tx.ID)
	fmt.Printf("Pool:        %s\n", tx.Pool)
	fmt.Printf("Started:     %s\n", humanize.Time(tx.StartedAt))
	for _, s := range tx.Steps {
		fmt.Printf("  %-14s %s\n", s.Name, s.Status)
	}
	for _, f := range tx.Failures {
		fmt.Printf("  ! %s %s: %s\n", f.Step, f.Phase, f.Err)
	}
	if tx.OK {
		fmt.Println("✓ completed")
	} else if tx.Done() {
		fmt.Printf("✗ failed (%s)\n", tx.ErrorKind)
	}
}

func newHistoryCmd() *cobra.Command {
	var pool string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past migration runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := history.Open(*server.Logger(cfg), cfg.HistoryPath())
			if err != nil {
				return err
			}
			defer h.Close()
			runs, err := h.List(cmd.Context(), history.Filter{Pool: pool, Limit: limit})
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(runs)
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				result := "running"
				if r.FinishedAt != nil {
					result = "ok"
					if !r.OK {
						result = "failed"
					}
				}
				rows = append(rows, []string{r.ID[:min(8, len(r.ID))], r.Pool, humanize.Time(r.StartedAt), result, strings.Join(r.Destinations, ",")})
			}
			printTable([]string{"ID", "POOL", "STARTED", "RESULT", "DESTINATIONS"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "only show runs for this pool")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Inspect or change the maintenance window",
	}
	var seconds int
	enable := &cobra.Command{
		Use:   "enable",
		Short: "Open the maintenance window",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := cfg.MaintenanceDuration()
			if seconds > 0 {
				d = time.Duration(seconds) * time.Second
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.window.EnableFor(cmd.Context(), d); err != nil {
				return err
			}
			return printMaintenance(a)
		},
	}
	enable.Flags().IntVar(&seconds, "seconds", 0, "window length (default from config)")

	cmd.AddCommand(
		enable,
		&cobra.Command{
			Use:   "disable",
			Short: "Close the maintenance window",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				if err := a.window.Disable(cmd.Context()); err != nil {
					return err
				}
				return printMaintenance(a)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the maintenance window",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				return printMaintenance(a)
			},
		},
	)
	return cmd
}

func printMaintenance(a *app) error {
	st, err := a.window.Status()
	if err != nil {
		return err
	}
	active := st.ActiveAt(time.Now())
	if outputJSON {
		return printJSON(map[string]any{"active": active, "until": st.Until})
	}
	if !active {
		fmt.Println("maintenance window: closed")
		return nil
	}
	fmt.Printf("maintenance window: open until %s (%s)\n", st.Until.Local().Format(time.RFC3339), humanize.Time(*st.Until))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nosmigrate %s (built %s)\n", Version, BuildTime)
		},
	}
}

func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func printTable(headers []string, rows [][]string) {
	for _, header := range headers {
		fmt.Printf("%-20s", header)
	}
	fmt.Println()
	for _, row := range rows {
		for _, col := range row {
			fmt.Printf("%-20s", col)
		}
		fmt.Println()
	}
}
