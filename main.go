package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"jcsh/internal/config"
	"jcsh/internal/logging"
	"jcsh/internal/repl"
	"jcsh/internal/shell"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "jcsh",
		Short:        "jcsh is an interactive shell with job control.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			log, err := logging.Configure(cfg.LogLevel, os.Stderr)
			if err != nil {
				return err
			}

			sh, err := shell.New(shell.Options{MaxJobs: cfg.MaxJobs, Log: log})
			if err != nil {
				return err
			}
			// Before any job-control signal is caught: a shell started in the
			// background must be stopped by SIGTTIN until it is foregrounded.
			if err := sh.Term.Acquire(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return repl.Run(ctx, sh, repl.Options{
				Prompt:      cfg.Prompt,
				HistoryFile: cfg.HistoryFile,
			})
		},
	}
	addFlags(cmd.Flags(), v, &cfgFile)
	return cmd
}

func addFlags(flags *pflag.FlagSet, v *viper.Viper, cfgFile *string) {
	flags.StringVar(cfgFile, "config", "", "YAML config file (default $HOME/.jcsh.yaml)")
	flags.String("log-level", "warn", "diagnostic log level (debug, info, warn, error)")
	flags.String("history-file", "", "file to load and save line history")
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyHistoryFile, flags.Lookup("history-file"))
}
