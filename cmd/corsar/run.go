package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/altereigo/queenscorsar/internal/bot"
	"github.com/altereigo/queenscorsar/internal/config"
	"github.com/altereigo/queenscorsar/internal/logging"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		Long: "Connects to Discord, serves forward commands from the sibling bot on the " +
			"local command socket, and runs signup dialogues for new members.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "corsar.yaml", "path to bot config file")
	return cmd
}

func runBot(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "corsar",
		Output:    cmd.ErrOrStderr(),
	})

	app, err := bot.New(bot.Options{
		Config:  cfg,
		Logger:  logger,
		Version: Version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}
