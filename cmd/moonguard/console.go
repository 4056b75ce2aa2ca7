package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/sandbox"
)

var consoleCmd = &cobra.Command{
	Use:   "console [scripts...]",
	Short: "Interactive host console",
	Long: `Start an interactive console on a sandbox, loading the given scripts.

Commands:
  load <file>                     Load a script
  ls                              List contexts
  info <id>                       Show one context
  tick [n] [dt]                   Run n ticks (default 1)
  invoke <id> <entry> [json...]   Call an entry point with JSON arguments
  event <name> [json]             Dispatch an event
  reload <id> <file>              Replace a context's program
  reset <id>                      Lift quarantine
  destroy <id>                    Destroy a context
  exit                            Quit

Context IDs may be abbreviated to any unique prefix. Command history is
kept across sessions (up/down arrows, Ctrl+R).`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().String("history", "", "History file path (default: ~/.moonguard_history)")
	addHostFlags(consoleCmd)
	rootCmd.AddCommand(consoleCmd)
}

// errQuit ends the console loop.
var errQuit = errors.New("quit")

type console struct {
	h   *host
	out io.Writer
	res *resultPrinter
}

func newConsole(h *host, out io.Writer) *console {
	return &console{h: h, out: out, res: newResultPrinter(out, false)}
}

func runConsole(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".moonguard_history")
	}

	h, err := newHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()
	if _, err := h.loadAll(cmd, args); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "moonguard> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	c := newConsole(h, rl.Stdout())
	fmt.Fprintf(rl.Stderr(), "moonguard console, %d context(s) (type 'exit' to quit)\n", len(h.manager.Contexts()))
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.exec(cmd.Context(), line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}

// exec runs one console line.
func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	m := c.h.manager
	verb, args := fields[0], fields[1:]

	switch verb {
	case "exit", "quit":
		return errQuit

	case "load":
		if len(args) != 1 {
			return errors.New("usage: load <file>")
		}
		id, err := m.Load(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, id)

	case "ls":
		for _, info := range m.Contexts() {
			fmt.Fprintf(c.out, "%s  %-16s %-9s %-11s %s\n", info.ID[:8], info.Name, info.Trust, info.State, capability.NewSet(info.Granted...))
		}

	case "info":
		id, err := c.resolve(args)
		if err != nil {
			return err
		}
		info, err := m.Info(id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)

	case "tick":
		n, dt := 1, 1.0/60
		var err error
		if len(args) > 0 {
			if n, err = strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("tick count: %w", err)
			}
		}
		if len(args) > 1 {
			if dt, err = strconv.ParseFloat(args[1], 64); err != nil {
				return fmt.Errorf("tick dt: %w", err)
			}
		}
		for i := 0; i < n; i++ {
			c.h.world.Advance(dt)
			results, err := m.Tick(ctx, dt)
			if err != nil {
				return err
			}
			if err := c.res.print(results); err != nil {
				return err
			}
		}

	case "invoke":
		if len(args) < 2 {
			return errors.New("usage: invoke <id> <entry> [json...]")
		}
		id, err := c.resolve(args[:1])
		if err != nil {
			return err
		}
		callArgs, err := parseJSONArgs(args[2:])
		if err != nil {
			return err
		}
		r, err := m.Invoke(ctx, id, args[1], callArgs...)
		if err != nil {
			return err
		}
		return c.res.print([]sandbox.Result{r})

	case "event":
		if len(args) < 1 {
			return errors.New("usage: event <name> [json]")
		}
		var payload any
		if len(args) > 1 {
			if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), &payload); err != nil {
				return fmt.Errorf("event payload: %w", err)
			}
		}
		results, err := m.Dispatch(ctx, args[0], payload)
		if err != nil {
			return err
		}
		return c.res.print(results)

	case "reload":
		if len(args) != 2 {
			return errors.New("usage: reload <id> <file>")
		}
		id, err := c.resolve(args[:1])
		if err != nil {
			return err
		}
		code, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		return m.Reload(ctx, id, code)

	case "reset":
		id, err := c.resolve(args)
		if err != nil {
			return err
		}
		return m.ResetQuarantine(c.h.authority, id)

	case "destroy":
		id, err := c.resolve(args)
		if err != nil {
			return err
		}
		return m.DestroyContext(id)

	default:
		return fmt.Errorf("unknown command %q", verb)
	}
	return nil
}

// resolve expands a unique ID prefix.
func (c *console) resolve(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("context id required")
	}
	var match string
	for _, info := range c.h.manager.Contexts() {
		if strings.HasPrefix(info.ID, args[0]) {
			if match != "" {
				return "", fmt.Errorf("ambiguous context id %q", args[0])
			}
			match = info.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", sandbox.ErrUnknownContext, args[0])
	}
	return match, nil
}

func parseJSONArgs(raw []string) ([]any, error) {
	out := make([]any, len(raw))
	for i, s := range raw {
		if err := json.Unmarshal([]byte(s), &out[i]); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
	}
	return out, nil
}
