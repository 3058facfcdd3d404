package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"kiln/internal/buildpipeline"
	"kiln/internal/diag"
	"kiln/internal/observ"
	"kiln/internal/session"
	"kiln/internal/toolchain"
)

var buildCmd = &cobra.Command{
	Use:   "build [flags] [manifest]",
	Short: "Compile and link a crate",
	Long:  "Compile the units listed in kiln.toml and link every requested crate type.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  buildExecution,
}

func init() {
	registerBuildFlags(buildCmd)
}

func registerBuildFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("release", false, "optimize for release (-O3)")
	f.String("opt-level", "", "optimization level (0|1|2|3)")
	f.Int("codegen-units", 0, "number of parallel codegen units")
	f.StringSlice("emit", nil, "outputs to emit (asm|llvm-bc|llvm-ir|obj|link)")
	f.StringSlice("crate-type", nil, "crate types to build (bin|lib|rlib|staticlib|dylib)")
	f.Bool("lto", false, "perform whole-program optimization")
	f.Bool("save-temps", false, "keep intermediate files")
	f.Bool("print-link-args", false, "print the linker command line")
	f.Bool("print-commands", false, "print every external command before it runs")
	f.String("ui", "auto", "user interface (auto|on|off)")
	f.String("out-dir", "", "directory for the artifacts")
	f.String("target", "", "target triple")
	f.String("link-args", "", "extra arguments for the linker")
}

func buildExecution(cmd *cobra.Command, args []string) error {
	defer dumpTraceOnPanic()

	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	uiModeValue, err := readUIMode(uiValue)
	if err != nil {
		return err
	}
	maxDiagnostics, err := cmd.Root().PersistentFlags().GetInt("max-diagnostics")
	if err != nil {
		return fmt.Errorf("failed to get max-diagnostics flag: %w", err)
	}
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}
	showTimings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}

	manifestPath := ""
	if len(args) == 1 {
		manifestPath = args[0]
		if st, statErr := os.Stat(manifestPath); statErr == nil && st.IsDir() {
			manifestPath = filepath.Join(manifestPath, session.ManifestName)
		}
	} else {
		path, found, findErr := session.FindManifest(".")
		if findErr != nil {
			return findErr
		}
		if !found {
			return errors.New("no kiln.toml found in the current directory or its parents")
		}
		manifestPath = path
	}
	manifest, err := session.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	cfg := manifest.Config
	triple := manifest.Triple
	if err := applyBuildFlags(cmd, &cfg, &triple); err != nil {
		return err
	}

	bag := diag.NewBag(maxDiagnostics)
	sink := diag.NewSink()
	sess, err := session.New(cfg, triple, manifest.Crate)
	if err != nil {
		diag.ReportError(sink, diag.CfgUnknownTarget, err.Error()).WithSubject(manifestPath).Emit()
		sink.Drain(diag.NewDedupReporter(diag.BagReporter{Bag: bag}))
		printDiagnostics(os.Stderr, bag, maxDiagnostics)
		return silentError(cmd)
	}

	tc := toolchain.New(toolchain.DefaultTools(), &toolchain.ExecRunner{
		PrintCommands: cfg.PrintCommands,
		Echo:          os.Stdout,
	})
	var timer *observ.Timer
	if showTimings || cfg.TimePasses {
		timer = observ.NewTimer()
	}
	req := &buildpipeline.BuildRequest{
		Session:   sess,
		Toolchain: tc,
		Reporter:  sink,
		Timer:     timer,
		Stdout:    os.Stdout,
	}

	var res buildpipeline.BuildResult
	if !quiet && shouldUseTUI(uiModeValue) {
		units := make([]string, 0, len(manifest.Crate.Units))
		for _, u := range manifest.Crate.Units {
			units = append(units, u.Name)
		}
		res, err = runBuildWithUI(cmd.Context(), "kiln build "+sess.CrateName(), units, req)
	} else {
		res, err = buildpipeline.Build(cmd.Context(), req)
	}

	sink.Drain(diag.NewDedupReporter(diag.BagReporter{Bag: bag}))
	printDiagnostics(os.Stderr, bag, maxDiagnostics)
	if showTimings {
		printStageTimings(os.Stdout, res.Timings, timer)
	}
	if err != nil {
		if bag.HasErrors() {
			return silentError(cmd)
		}
		return err
	}
	if !quiet {
		printArtifacts(os.Stdout, manifest.Root, res.Artifacts)
	}
	return nil
}

// applyBuildFlags overrides manifest settings with the flags the user set.
func applyBuildFlags(cmd *cobra.Command, cfg *session.Config, triple *string) error {
	f := cmd.Flags()
	if release, _ := f.GetBool("release"); release {
		cfg.OptLevel = session.OptAggressive
	}
	if f.Changed("opt-level") {
		v, _ := f.GetString("opt-level")
		lvl, err := session.ParseOptLevel(v)
		if err != nil {
			return fmt.Errorf("--opt-level: %w", err)
		}
		cfg.OptLevel = lvl
	}
	if f.Changed("codegen-units") {
		n, _ := f.GetInt("codegen-units")
		if n <= 0 {
			return fmt.Errorf("--codegen-units must be positive, got %d", n)
		}
		cfg.CodegenUnits = n
	}
	if f.Changed("emit") {
		values, _ := f.GetStringSlice("emit")
		cfg.OutputTypes = cfg.OutputTypes[:0:0]
		for _, v := range values {
			ot, err := session.ParseOutputType(v)
			if err != nil {
				return fmt.Errorf("--emit: %w", err)
			}
			cfg.OutputTypes = append(cfg.OutputTypes, ot)
		}
	}
	if f.Changed("crate-type") {
		values, _ := f.GetStringSlice("crate-type")
		cfg.CrateTypes = cfg.CrateTypes[:0:0]
		for _, v := range values {
			ct, err := session.ParseCrateType(v)
			if err != nil {
				return fmt.Errorf("--crate-type: %w", err)
			}
			cfg.CrateTypes = append(cfg.CrateTypes, ct)
		}
	}
	if f.Changed("lto") {
		cfg.LTO, _ = f.GetBool("lto")
	}
	if f.Changed("save-temps") {
		cfg.SaveTemps, _ = f.GetBool("save-temps")
	}
	cfg.PrintLinkArgs, _ = f.GetBool("print-link-args")
	cfg.PrintCommands, _ = f.GetBool("print-commands")
	if f.Changed("out-dir") {
		dir, _ := f.GetString("out-dir")
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("--out-dir: %w", err)
		}
		cfg.OutDir = abs
	}
	if f.Changed("target") {
		*triple, _ = f.GetString("target")
	}
	if f.Changed("link-args") {
		v, _ := f.GetString("link-args")
		extra, err := session.SplitArgs(v)
		if err != nil {
			return fmt.Errorf("--link-args: %w", err)
		}
		cfg.LinkArgs = append(cfg.LinkArgs, extra...)
	}
	return nil
}

func printArtifacts(out io.Writer, root string, artifacts []buildpipeline.Artifact) {
	p := message.NewPrinter(language.English)
	for _, a := range artifacts {
		p.Fprintf(out, "built %s (%s)\n", formatPathForOutput(root, a.Path), humanize.IBytes(uint64(max(a.Size, 0))))
	}
	if len(artifacts) > 1 {
		p.Fprintf(out, "%d artifacts\n", len(artifacts))
	}
}

func formatPathForOutput(root, path string) string {
	if root == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	if strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// silentError stops cobra from printing usage or the error; diagnostics
// were already printed.
func silentError(cmd *cobra.Command) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return errors.New("build failed")
}
