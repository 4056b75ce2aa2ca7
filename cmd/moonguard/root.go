package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonguard/hostfunc"
)

var rootCmd = &cobra.Command{
	Use:   "moonguard",
	Short: "Capability sandbox for game scripts",
	Long: `moonguard - Run untrusted game scripts (Lua and WebAssembly) under a
capability grant and a resource governor.

Every script declares the capabilities it wants in a manifest header. The
host assigns a trust level and binds only the host functions that level
allows; everything else is absent from the script's namespace. Each
invocation is bounded by instruction, memory, stack depth and wall-clock
ceilings, and a misbehaving script is quarantined.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// logger is shared by every command. Script output goes here too.
var logger = logrus.New()

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text, json")
	rootCmd.PersistentFlags().String("policy", "", "Host policy file (YAML)")
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	logger.SetOutput(cmd.ErrOrStderr())

	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q (expected text or json)", format)
	}
	return nil
}

func parseMount(spec string) (hostfunc.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode hostfunc.MountMode
	switch parts[2] {
	case "ro":
		mode = hostfunc.MountReadOnly
	case "rw":
		mode = hostfunc.MountReadWrite
	case "rwc":
		mode = hostfunc.MountReadWriteCreate
	default:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}
