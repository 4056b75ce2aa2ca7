package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/hostfunc"
)

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "List capabilities and the host functions they unlock",
	Long: `List every capability with the minimum trust level it requires and the
host functions bound when it is granted. With --trust, only the
capabilities that level may receive are shown.`,
	Args: cobra.NoArgs,
	RunE: runCaps,
}

func init() {
	capsCmd.Flags().String("trust", "", "Only show capabilities allowed at this level: untrusted, verified, trusted")
	addHostFlags(capsCmd)
	rootCmd.AddCommand(capsCmd)
}

func runCaps(cmd *cobra.Command, args []string) error {
	trustFlag, _ := cmd.Flags().GetString("trust")

	world := hostfunc.NewMemWorld()
	table, err := newTable(cmd, world, hostfunc.NewConfig(hostfunc.DefaultConfigLimits()))
	if err != nil {
		return err
	}
	registry := table.Registry()

	show := capability.NewSet(registry.All()...)
	if trustFlag != "" {
		level, err := capability.ParseTrustLevel(trustFlag)
		if err != nil {
			return err
		}
		show = registry.Allowed(level)
	}

	byCap := make(map[capability.Capability][]string)
	for _, b := range table.List() {
		byCap[b.Capability] = append(byCap[b.Capability], b.Name)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tTRUST\tFUNCTIONS")
	for _, c := range registry.All() {
		if !show.Has(c) {
			continue
		}
		level, _ := registry.RequiredTrust(c)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c, level, strings.Join(byCap[c], ", "))
	}
	return tw.Flush()
}
