package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonguard/sandbox"
)

var runCmd = &cobra.Command{
	Use:   "run [scripts...]",
	Short: "Load scripts and drive them for a number of ticks",
	Long: `Load one or more scripts into a sandbox and run the game loop.

Each tick runs init (once per context) and then update(dt, tick). Trust
comes from the manifest, capped by the policy's path rules.

  moonguard run door.lua patrol.wasm --ticks 60
  moonguard run mods/*.lua --watch --policy policy.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("ticks", 1, "Number of ticks to run (0 with --watch runs until interrupted)")
	runCmd.Flags().Float64("dt", 1.0/60, "Seconds per tick passed to update")
	runCmd.Flags().String("event", "", "Dispatch this event to on_event after the ticks")
	runCmd.Flags().Bool("json", false, "Print results as JSON lines")
	runCmd.Flags().Bool("watch", false, "Hot-reload scripts and policy on change, ticking in real time")
	addHostFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ticks, _ := cmd.Flags().GetInt("ticks")
	dt, _ := cmd.Flags().GetFloat64("dt")
	event, _ := cmd.Flags().GetString("event")
	asJSON, _ := cmd.Flags().GetBool("json")
	watch, _ := cmd.Flags().GetBool("watch")

	h, err := newHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	ids, err := h.loadAll(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := runContext(cmd)
	defer stop()

	out := newResultPrinter(cmd.OutOrStdout(), asJSON)
	if watch {
		w, err := sandbox.NewWatcher(h.manager, 0)
		if err != nil {
			return err
		}
		defer w.Close()
		for _, id := range ids {
			if err := w.Add(id); err != nil {
				return err
			}
		}
		if h.policyPath != "" {
			if err := w.WatchPolicy(h.policyPath, nil); err != nil {
				return err
			}
		}
		go w.Run(ctx)
	}

	var interval <-chan time.Time
	if watch {
		t := time.NewTicker(time.Duration(dt * float64(time.Second)))
		defer t.Stop()
		interval = t.C
	}

	for i := 0; (watch && ticks == 0) || i < ticks; i++ {
		if interval != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-interval:
			}
		}
		h.world.Advance(dt)
		results, err := h.manager.Tick(ctx, dt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := out.print(results); err != nil {
			return err
		}
	}

	if event != "" {
		results, err := h.manager.Dispatch(ctx, event, nil)
		if err != nil {
			return err
		}
		if err := out.print(results); err != nil {
			return err
		}
	}

	if !asJSON {
		printSummary(cmd.OutOrStdout(), h.manager.Contexts())
	}
	return nil
}

type resultPrinter struct {
	w    io.Writer
	json *json.Encoder
}

func newResultPrinter(w io.Writer, asJSON bool) *resultPrinter {
	p := &resultPrinter{w: w}
	if asJSON {
		p.json = json.NewEncoder(w)
	}
	return p
}

func (p *resultPrinter) print(results []sandbox.Result) error {
	for _, r := range results {
		if p.json != nil {
			if err := p.json.Encode(r); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(p.w, "tick %d  %-16s %-9s %s", r.Tick, r.Script, r.Entry, r.Outcome)
		switch r.Outcome {
		case sandbox.Completed:
			if r.Value != nil {
				fmt.Fprintf(p.w, "  => %v", r.Value)
			}
		case sandbox.Aborted:
			fmt.Fprintf(p.w, "  (%s)", r.Reason)
		case sandbox.RuntimeError:
			fmt.Fprintf(p.w, "  %s", r.Message)
		}
		if r.Quarantine != nil {
			fmt.Fprintf(p.w, "  [quarantined: %s]", r.Quarantine.Reason)
		}
		fmt.Fprintln(p.w)
	}
	return nil
}

func printSummary(w io.Writer, infos []sandbox.Info) {
	var quarantined int
	for _, info := range infos {
		if info.Quarantine != nil {
			quarantined++
		}
	}
	fmt.Fprintf(w, "%d context(s), %d quarantined\n", len(infos), quarantined)
}

// runContext returns a context cancelled on interrupt. Used by commands
// that block until the user stops them.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
