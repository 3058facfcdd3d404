// Package main implements the kiln CLI.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kiln/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Ahead-of-time compiler backend",
	Long:  `kiln optimizes LLVM units, emits objects and links rlibs, static and dynamic libraries and executables`,
	// ошибки печатаем сами вместе с диагностиками
	SilenceUsage:      true,
	PersistentPreRunE: setupGlobals,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		stopProfiling()
		cleanupTracing()
	},
}

// main registers subcommands and persistent flags, then executes the root
// command. Any error exits with status 1.
func main() {
	// Устанавливаем версию для автоматического флага --version
	rootCmd.Version = version.Version

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(versionCmd)

	// Глобальные флаги
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().Bool("timings", false, "show timing information")
	rootCmd.PersistentFlags().Int("max-diagnostics", 100, "maximum number of diagnostics to show")
	addTraceFlags(rootCmd)
	addProfileFlags(rootCmd)

	err := rootCmd.Execute()
	stopProfiling()
	cleanupTracing()
	if err != nil {
		os.Exit(1)
	}
}

func setupGlobals(cmd *cobra.Command, args []string) error {
	mode, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return fmt.Errorf("failed to get color flag: %w", err)
	}
	switch mode {
	case "auto":
		color.NoColor = !isTerminal(os.Stderr)
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color value %q (expected auto|on|off)", mode)
	}
	if err := setupProfiling(cmd); err != nil {
		return err
	}
	return setupTracing(cmd)
}

// isTerminal проверяет, является ли файл терминалом
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
