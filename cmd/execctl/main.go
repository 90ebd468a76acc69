package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/execgate/internal/cli/config"
	"github.com/antonkrylov/execgate/internal/session"
)

const (
	defaultServer  = "http://127.0.0.1:8080"
	defaultTimeout = 15 * time.Second
)

type rootOptions struct {
	server      string
	timeout     time.Duration
	configPath  string
	contextName string
	machine     string
	config      *cliconfig.Config
}

// prepare resolves flags against the config file: explicit flags win,
// then the selected context, then baked-in defaults.
func (r *rootOptions) prepare() error {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	ctx, _, err := cfg.Resolve(r.contextName)
	if err != nil {
		return err
	}
	if ctx != nil {
		if r.server == "" {
			r.server = ctx.Server
		}
		if r.timeout == 0 && ctx.TimeoutSeconds > 0 {
			r.timeout = time.Duration(ctx.TimeoutSeconds) * time.Second
		}
		if r.machine == "" {
			r.machine = ctx.DefaultMachine
		}
	}
	if r.server == "" {
		r.server = defaultServer
	}
	if r.timeout == 0 {
		r.timeout = defaultTimeout
	}
	return nil
}

func (r *rootOptions) url(path string) string {
	return strings.TrimRight(r.server, "/") + path
}

func (r *rootOptions) client() *http.Client {
	return &http.Client{Timeout: r.timeout}
}

// decodeAPIError turns a structured rejection body into a CLI error.
func decodeAPIError(resp *http.Response) error {
	var detail session.ErrorDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil || detail.RestCode == "" {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return fmt.Errorf("%s: %s", detail.RestCode, detail.Message)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "execctl",
		Short: "CLI for the execgate command gateway",
	}
	defaultConfig := os.Getenv("EXECGATE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to execgate config file (default $HOME/.execgate/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "", "gateway base URL (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "request timeout; defaults to config or 15s")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// Context subcommands edit the config file itself, so they
		// must not require a resolvable context up front.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "context" {
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newMachineCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newContextCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
