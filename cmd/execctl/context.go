package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/execgate/internal/cli/config"
)

func newContextCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage gateway contexts in the config file",
	}
	cmd.AddCommand(newContextListCmd(opts))
	cmd.AddCommand(newContextSetCmd(opts))
	cmd.AddCommand(newContextUseCmd(opts))
	return cmd
}

func newContextListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cliconfig.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg == nil || len(cfg.Contexts) == 0 {
				fmt.Println("no contexts configured")
				return nil
			}
			names := make([]string, 0, len(cfg.Contexts))
			for name := range cfg.Contexts {
				names = append(names, name)
			}
			sort.Strings(names)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CURRENT\tNAME\tSERVER\tDEFAULT MACHINE")
			for _, name := range names {
				marker := ""
				if name == cfg.CurrentContext {
					marker = "*"
				}
				ctx := cfg.Contexts[name]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, name, ctx.Server, ctx.DefaultMachine)
			}
			return w.Flush()
		},
	}
}

func newContextSetCmd(opts *rootOptions) *cobra.Command {
	var server, machine string
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Create or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := cliconfig.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = &cliconfig.Config{Contexts: map[string]*cliconfig.Context{}}
			}
			if cfg.Contexts == nil {
				cfg.Contexts = map[string]*cliconfig.Context{}
			}
			ctx := cfg.Contexts[name]
			if ctx == nil {
				ctx = &cliconfig.Context{}
				cfg.Contexts[name] = ctx
			}
			if server != "" {
				ctx.Server = server
			}
			if machine != "" {
				ctx.DefaultMachine = machine
			}
			if timeoutSeconds > 0 {
				ctx.TimeoutSeconds = timeoutSeconds
			}
			if ctx.Server == "" {
				return errors.New("--server is required for a new context")
			}
			if cfg.CurrentContext == "" {
				cfg.CurrentContext = name
			}
			return cfg.Save(opts.configPath)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "gateway base URL")
	cmd.Flags().StringVar(&machine, "machine", "", "default machine for exec")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 0, "request timeout in seconds")
	return cmd
}

func newContextUseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliconfig.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg == nil {
				return errors.New("no config file; create a context first")
			}
			if _, ok := cfg.Contexts[args[0]]; !ok {
				return fmt.Errorf("%w: %s", cliconfig.ErrContextNotFound, args[0])
			}
			cfg.CurrentContext = args[0]
			return cfg.Save(opts.configPath)
		},
	}
}
