package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/sandbox"
)

// tokenEnv names the variable holding the host authority token.
const tokenEnv = "MOONGUARD_TOKEN"

func hasEnvToken() bool {
	return os.Getenv(tokenEnv) != ""
}

// host is the engine side the CLI provides to scripts: an in-memory world,
// the config store, optional filesystem and HTTP suites, and the manager.
type host struct {
	world      *hostfunc.MemWorld
	config     *hostfunc.Config
	table      *hostfunc.Table
	policy     *sandbox.Policy
	policyPath string
	authority  *sandbox.Authority
	manager    *sandbox.Manager
}

func addHostFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("scene", []string{"main"}, "Scene names scene.load accepts (repeatable)")
	cmd.Flags().String("config", "", "Game config YAML preloaded into the config store")
	cmd.Flags().StringSlice("mount", nil, "Mount game directory virtual:host:mode for fs.* (repeatable)")
	cmd.Flags().StringSlice("allow-host", nil, "Allow http.* to host (repeatable)")
	cmd.Flags().Bool("strict", false, "Refuse scripts requesting capabilities above their trust level")
	cmd.Flags().Int("workers", 0, "Contexts ticked in parallel (default from policy, else 1)")

	// Security limits
	cmd.Flags().Int("http-max-url", hostfunc.DefaultMaxURLLength, "Max HTTP URL length")
	cmd.Flags().Int64("http-max-body", hostfunc.DefaultMaxBodySize, "Max HTTP response body size")
	cmd.Flags().Int64("fs-max-file", hostfunc.DefaultMaxFileSize, "Max file read size")
	cmd.Flags().Int("fs-max-path", hostfunc.DefaultMaxPathLength, "Max path length")
}

// loadPolicy reads the --policy file, or returns the default policy.
func loadPolicy(cmd *cobra.Command) (*sandbox.Policy, string, error) {
	file, _ := cmd.Flags().GetString("policy")
	if file == "" {
		return sandbox.DefaultPolicy(), "", nil
	}
	p, err := sandbox.LoadPolicy(file)
	if err != nil {
		return nil, "", err
	}
	return p, file, nil
}

// newTable registers every host function suite the CLI offers.
func newTable(cmd *cobra.Command, world hostfunc.World, config *hostfunc.Config) (*hostfunc.Table, error) {
	mountSpecs, _ := cmd.Flags().GetStringSlice("mount")
	allowedHosts, _ := cmd.Flags().GetStringSlice("allow-host")
	httpMaxURL, _ := cmd.Flags().GetInt("http-max-url")
	httpMaxBody, _ := cmd.Flags().GetInt64("http-max-body")
	fsMaxFile, _ := cmd.Flags().GetInt64("fs-max-file")
	fsMaxPath, _ := cmd.Flags().GetInt("fs-max-path")

	var mounts []hostfunc.Mount
	for _, spec := range mountSpecs {
		m, err := parseMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	table := hostfunc.NewTable(capability.Default())
	suites := []interface{ Register(*hostfunc.Table) error }{
		hostfunc.NewGame(world, logger),
		config,
		hostfunc.NewFS(mounts, hostfunc.WithMaxFileSize(fsMaxFile), hostfunc.WithMaxPathLength(fsMaxPath)),
		hostfunc.NewHTTP(hostfunc.HTTPConfig{
			AllowedHosts: allowedHosts,
			MaxURLLength: httpMaxURL,
			MaxBodySize:  httpMaxBody,
		}),
	}
	for _, s := range suites {
		if err := s.Register(table); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// newHost builds the world, the table and a manager configured from the
// policy file and the command's flags. Flags override the policy.
func newHost(cmd *cobra.Command, extra ...sandbox.Option) (*host, error) {
	scenes, _ := cmd.Flags().GetStringSlice("scene")
	configFile, _ := cmd.Flags().GetString("config")
	strict, _ := cmd.Flags().GetBool("strict")
	workers, _ := cmd.Flags().GetInt("workers")

	policy, policyPath, err := loadPolicy(cmd)
	if err != nil {
		return nil, err
	}

	h := &host{
		world:      hostfunc.NewMemWorld(scenes...),
		config:     hostfunc.NewConfig(hostfunc.DefaultConfigLimits()),
		policy:     policy,
		policyPath: policyPath,
		authority:  sandbox.NewAuthority(os.Getenv(tokenEnv)),
	}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := h.config.LoadYAML(data); err != nil {
			return nil, fmt.Errorf("%s: %w", configFile, err)
		}
	}

	h.table, err = newTable(cmd, h.world, h.config)
	if err != nil {
		return nil, err
	}

	opts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithPolicy(policy),
		sandbox.WithAuthority(h.authority),
	}
	if strict {
		opts = append(opts, sandbox.WithGrantMode(sandbox.GrantStrict))
	}
	if workers > 0 {
		opts = append(opts, sandbox.WithWorkers(workers))
	}
	h.manager, err = sandbox.New(h.table, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// loadAll loads every script file, stopping at the first failure.
func (h *host) loadAll(cmd *cobra.Command, files []string) ([]string, error) {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		id, err := h.manager.Load(cmd.Context(), f)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *host) Close() error {
	return h.manager.Close()
}
