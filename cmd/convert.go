package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inference-sim/simtune/sim/workload"
)

func newConvertCmd() *cobra.Command {
	convert := &cobra.Command{
		Use:   "convert",
		Short: "Convert external request dumps to workload tables",
		Long:  "Convert external request dumps to the JSON workload table read by workload.path. Output is written to stdout for piping.",
	}

	var (
		path     string
		maxPairs int
	)
	shareGPT := &cobra.Command{
		Use:   "sharegpt",
		Short: "Convert a tokenized ShareGPT dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()
			w, err := workload.FromShareGPT(f, maxPairs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(w)
		},
	}
	shareGPT.Flags().StringVar(&path, "file", "", "Path to the tokenized ShareGPT JSON file")
	shareGPT.Flags().IntVar(&maxPairs, "pairs-per-conversation", 1, "Human/gpt pairs taken from each conversation (0 = all)")
	_ = shareGPT.MarkFlagRequired("file")

	convert.AddCommand(shareGPT)
	return convert
}
