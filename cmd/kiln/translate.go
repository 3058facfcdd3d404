package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kiln/internal/diag"
	"kiln/internal/link"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

var translateCmd = &cobra.Command{
	Use:   "translate <pexe>... -o <nexe>",
	Short: "Translate portable bitcode into a native NaCl executable",
	Args:  cobra.MinimumNArgs(1),
	RunE:  translateExecution,
}

func init() {
	f := translateCmd.Flags()
	f.StringP("output", "o", "", "output executable")
	f.String("arch", "x86-64", "target architecture (x86-64|x86-32|arm|mips)")
	f.String("triple", "", "override the target triple")
	f.String("toolchain", "", "pnacl toolchain directory")
	f.String("cross-path", os.Getenv("NACL_SDK_ROOT"), "NaCl SDK root")
	f.Int("threads", 0, "parallel llc runs (0 = one per CPU)")
	_ = translateCmd.MarkFlagRequired("output")
}

func translateExecution(cmd *cobra.Command, args []string) error {
	defer dumpTraceOnPanic()

	f := cmd.Flags()
	output, _ := f.GetString("output")
	archName, _ := f.GetString("arch")
	triple, _ := f.GetString("triple")
	tcDir, _ := f.GetString("toolchain")
	cross, _ := f.GetString("cross-path")
	threads, _ := f.GetInt("threads")
	maxDiagnostics, err := cmd.Root().PersistentFlags().GetInt("max-diagnostics")
	if err != nil {
		return fmt.Errorf("failed to get max-diagnostics flag: %w", err)
	}

	arch, err := link.LookupTranslateArch(archName)
	if err != nil {
		return err
	}

	cfg := session.DefaultConfig()
	cfg.CodegenUnits = threads
	cfg.PNaCl.Toolchain = tcDir
	cfg.PNaCl.CrossPath = cross
	sess, err := session.New(cfg, "le32-unknown-nacl", &session.Crate{Name: "translate"})
	if err != nil {
		return err
	}
	if threads <= 0 {
		// session.New clamps to one; the translator wants one per CPU
		sess.Config.CodegenUnits = 0
	}

	sink := diag.NewSink()
	tc := toolchain.New(toolchain.DefaultTools(), &toolchain.ExecRunner{})
	l := link.NewLinker(sess, tc, sink)
	err = l.Translate(cmd.Context(), link.Translation{
		Inputs: args,
		Output: output,
		Arch:   arch,
		Triple: triple,
	})

	bag := diag.NewBag(maxDiagnostics)
	sink.Drain(diag.BagReporter{Bag: bag})
	printDiagnostics(os.Stderr, bag, maxDiagnostics)
	if err != nil {
		if bag.HasErrors() {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
		}
		return err
	}
	return nil
}
