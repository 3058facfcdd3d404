package main

import (
	"bytes"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kiln/internal/archive"
	"kiln/internal/metadata"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect ar archives and rlibs",
}

var archiveListCmd = &cobra.Command{
	Use:   "list <archive>",
	Short: "List archive members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		symbols, err := cmd.Flags().GetBool("symbols")
		if err != nil {
			return err
		}
		return listArchive(cmd.OutOrStdout(), args[0], symbols)
	},
}

func init() {
	archiveListCmd.Flags().Bool("symbols", false, "print the index entries of every member")
	archiveCmd.AddCommand(archiveListCmd)
}

func listArchive(out io.Writer, path string, symbols bool) error {
	r, err := archive.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, m := range r.Members() {
		fmt.Fprintf(tw, "%s\t%s\n", m.Name, humanize.IBytes(uint64(m.Size)))
		if symbols {
			for _, sym := range r.Symbols(m.Name) {
				fmt.Fprintf(tw, "  %s\t\n", sym)
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	// rlib: показываем метаданные крейта
	if data, ok := r.Read(metadata.FileName); ok {
		md, err := metadata.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%s: %w", metadata.FileName, err)
		}
		fmt.Fprintf(out, "\ncrate %s (%s)\n", md.Name, md.Triple)
		for _, lib := range md.Libs() {
			fmt.Fprintf(out, "  native %s\n", lib)
		}
	}
	return nil
}
