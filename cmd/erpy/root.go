package main

import (
	"fmt"

	"erpy/internal/config"
	"erpy/pkg/logging/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// env is what every subcommand runs with once the root pre-run has loaded it.
type env struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:   "erpy",
		Short: "Chat completion host for remote and local LLM backends",
		Long: `erpy fronts an OpenAI-compatible API, an embedded inference engine or a
native runtime behind one streaming chat-completion interface.

Examples:
  erpy serve                         # host API on 127.0.0.1:4040
  erpy chat "tell me a joke"         # one-shot completion with the autoload backend
  erpy models --format yaml          # GGUF files found in local caches
  erpy sync-server                   # chat/character sync API`,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/erpy/config.yaml or ./config.yaml)")

	root.AddCommand(
		newServeCmd(e),
		newChatCmd(e),
		newModelsCmd(e),
		newSyncServerCmd(e),
	)
	return root
}

func (e *env) load() error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Log.Logging())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	logging.SetDefault(logger)

	e.cfg = cfg
	e.logger = logger
	return nil
}
