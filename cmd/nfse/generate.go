package main

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/KaiqueVfreitas/projeto-nfes-google/nfse"
)

func newGenerateCmd(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "generate [records.json]",
		Short: "Build one NFS-e XML document per record of a JSON array",
		Long: `generate reads a JSON array of invoice records, from the given file or
stdin, and writes nfse_<id>.xml for each of them. The written paths are
printed one per line.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			data, err := readInput(cmd, path, "records")
			if err != nil {
				return err
			}
			records, err := nfse.ReadRecords(bytes.NewReader(data))
			if err != nil {
				return err
			}

			paths, err := nfse.WriteAll(records, outDir)
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			if err != nil {
				return err
			}
			a.logger(cmd).Info("documents generated", slog.Int("count", len(paths)), slog.String("dir", outDir))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "pdf_xml_gerados_rps", "output directory")
	return cmd
}
