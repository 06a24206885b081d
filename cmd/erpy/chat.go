package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"erpy/internal/completion"
	"erpy/internal/dispatch"

	"github.com/spf13/cobra"
)

type chatOptions struct {
	apiURL string
	apiKey string
	model  string
	system string
	keep   bool
}

func newChatCmd(e *env) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Stream one chat completion to stdout",
		Long: `Stream one chat completion to stdout.

The backend comes from the autoload section of the config unless --api-url
is given. Use "-" as the prompt to read it from stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			prompt := strings.Join(args, " ")
			if prompt == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = strings.TrimSpace(string(b))
			}
			return runChat(ctx, e, opts, prompt, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.apiURL, "api-url", "", "OpenAI-compatible base URL (overrides autoload)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key for --api-url")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model id for --api-url")
	cmd.Flags().StringVarP(&opts.system, "system", "s", "", "System prompt")
	cmd.Flags().BoolVar(&opts.keep, "keep-thinking", false, "Do not strip </think> prefixes from history")
	return cmd
}

func runChat(ctx context.Context, e *env, opts *chatOptions, prompt string, out io.Writer) error {
	if opts.apiURL != "" {
		e.cfg.Autoload = nil
	}
	state, cleanup, err := newState(ctx, e)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.apiURL != "" {
		if err := state.Load(ctx, dispatch.LoadModel{
			Type:   dispatch.KindOpenAI,
			APIURL: opts.apiURL,
			APIKey: opts.apiKey,
			Model:  opts.model,
		}); err != nil {
			return err
		}
	}

	var messages []completion.Message
	if opts.system != "" {
		messages = append(messages, completion.Message{Role: completion.RoleSystem, Content: opts.system})
	}
	messages = append(messages, completion.Message{Role: completion.RoleUser, Content: prompt})

	settings := e.cfg.LLM
	if opts.keep {
		keep := false
		settings.StripThinkingTags = &keep
	}

	sess, err := state.ChatCompletion(ctx, messages, settings)
	if err != nil {
		return err
	}
	defer sess.Close()

	for item, err := range completion.All(sess) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		if _, err := io.WriteString(out, item.Text()); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(out)
	return err
}
