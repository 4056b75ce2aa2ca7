package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/language"
	"github.com/caffeineduck/moonguard/language/lua"
	"github.com/caffeineduck/moonguard/language/wasm"
	"github.com/caffeineduck/moonguard/sandbox"
)

var checkCmd = &cobra.Command{
	Use:   "check [scripts...]",
	Short: "Compile scripts and report what they would be granted",
	Long: `Compile each script without running it and report its manifest: the
trust it asks for, the trust the policy gives it, and the capabilities it
would be granted and denied.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	policy, _, err := loadPolicy(cmd)
	if err != nil {
		return err
	}
	wasmLang, err := wasm.New(wasm.WithLogger(logger))
	if err != nil {
		return err
	}
	defer wasmLang.Close()
	langs := []language.Language{lua.New(lua.WithLogger(logger)), wasmLang}
	registry := capability.Default()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCRIPT\tLANG\tTRUST\tGRANTED\tDENIED")

	var failed int
	for _, file := range args {
		row, err := checkScript(cmd, langs, registry, policy, file)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\terror: %v\t\n", filepath.Base(file), err)
			continue
		}
		fmt.Fprintln(tw, row)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d script(s) failed", failed, len(args))
	}
	return nil
}

func checkScript(cmd *cobra.Command, langs []language.Language, registry *capability.Registry, policy *sandbox.Policy, file string) (string, error) {
	code, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	lang, ok := language.ByExtension(langs, file)
	if !ok {
		return "", errors.New("unknown script type")
	}
	prog, err := lang.Compile(cmd.Context(), filepath.Base(file), code)
	if err != nil {
		return "", err
	}

	mf := prog.Manifest()
	trust := policy.Cap(file, mf.TrustOr(policy.TrustFor(file)))
	granted, denied, err := registry.Grant(trust, mf.Capabilities)
	if err != nil {
		return "", err
	}

	trustCol := trust.String()
	if mf.Trust != nil && *mf.Trust != trust {
		trustCol = fmt.Sprintf("%s (asked %s)", trust, *mf.Trust)
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s", filepath.Base(file), lang.Name(), trustCol, granted, denied), nil
}
