package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/fang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/petr-muller/ghwatch/internal/flagutil"
)

type options struct {
	configPath string
	logLevel   string
	github     flagutil.GitHubOptions
}

var opts options

func main() {
	rootCmd := &cobra.Command{
		Use:   "ghwatch",
		Short: "Watch GitHub repositories and trigger builds on changes",
		Long: `ghwatch watches branches, tags and pull requests of GitHub repositories.
Every configured job compares the remote state of its repository with the
snapshot saved by its previous check, runs the changed resources through its
rules and queues a build for each resource the rules accept.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the configuration file (defaults to the ghwatch user config directory)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level")
	opts.github.AddPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newInspectCmd(),
		newRunsCmd(),
		newListCmd(),
		newResetCmd(),
	)

	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}
