package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"erpy/internal/completion"
	"erpy/internal/models"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newModelsCmd(e *env) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List GGUF models in the local HuggingFace and LM Studio caches",
		Long: `List GGUF models in the local HuggingFace and LM Studio caches.

Examples:
  erpy models                  # table
  erpy models --format json
  erpy models --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := models.Scanner{Home: e.cfg.Models.Home, Logger: e.logger}.Scan(cmd.Context())
			if err != nil {
				return err
			}
			return printModels(cmd.OutOrStdout(), format, found)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json or yaml")
	return cmd
}

func printModels(out io.Writer, format string, found []completion.ModelInfo) error {
	if found == nil {
		found = []completion.ModelInfo{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(found); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		if len(found) == 0 {
			_, err := fmt.Fprintln(out, "No models found.")
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tNAME\tPATH")
		for _, m := range found {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", m.User, m.Name, m.Path)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
}
