// Package cli implements syncctl, the terminal developer's tool for hashing
// and signing sync payloads the way the server verifies them.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type RootOptions struct {
	Format string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Hash and sign POS sync payloads",
		Long:  "Computes payload hashes and HMAC signatures for device sync requests and events.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewHashPayloadCommand(opts))
	cmd.AddCommand(NewSignEventCommand(opts))
	cmd.AddCommand(NewSignRequestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// readInput reads path, or stdin when path is "-". An empty path is an
// empty input.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// emit writes fields as JSON, or as key=value lines in the order given.
func emit(cmd *cobra.Command, opts *RootOptions, keys []string, fields map[string]string) error {
	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(fields)
	}
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s: %s\n", k, fields[k]); err != nil {
			return err
		}
	}
	return nil
}
