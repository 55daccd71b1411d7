package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	imagedetector "github.com/menta2k/image-detector"
	"github.com/menta2k/image-detector/internal/config"
	"github.com/menta2k/image-detector/internal/logger"
	"github.com/menta2k/image-detector/internal/utils"
	"github.com/menta2k/image-detector/pkg/visualizer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command and returns the process exit code. Everything it
// opens is closed before it returns.
func run(args []string, stdout, stderr io.Writer) int {
	var configPath, addr, in, model, weights, outDir, format string
	var withCaption, version bool

	fs := flag.NewFlagSet("image-detector", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", config.GetConfigPath(), "config file (JSON)")
	fs.StringVar(&addr, "addr", "", "listen address, overrides the config")
	fs.StringVar(&in, "analyze", "", "analyze one image path or URL and exit instead of serving")
	fs.StringVar(&model, "model", "", "model selector for -analyze (default from config)")
	fs.StringVar(&weights, "weights", "", "weights file for -analyze, overrides the registry path")
	fs.StringVar(&outDir, "out", "", "output directory for -analyze renders (default from config)")
	fs.StringVar(&format, "format", "", "output format for -analyze renders: jpg|png|webp")
	fs.BoolVar(&withCaption, "caption", true, "overlay the caption on -analyze renders")
	fs.BoolVar(&version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if version {
		fmt.Fprintln(stdout, imagedetector.Version)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if format != "" {
		cfg.Output.DefaultFormat = format
	}
	if model == "" {
		model = cfg.Models.DefaultSelector
	}

	lg := logger.New(cfg.Logging)
	det, err := imagedetector.New(cfg, lg)
	if err != nil {
		lg.WithError(err).Error("failed to initialize detector")
		return 1
	}
	defer func() {
		if err := det.Close(); err != nil {
			lg.WithError(err).Warn("failed to close tracking store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if in == "" {
		if err := det.Serve(ctx); err != nil {
			lg.WithError(err).Error("server failed")
			return 1
		}
		return 0
	}

	if err := analyzeOne(ctx, stdout, det, cfg, model, weights, in, withCaption); err != nil {
		lg.WithError(err).Error("analysis failed")
		return 1
	}
	return 0
}

func analyzeOne(ctx context.Context, w io.Writer, det *imagedetector.Detector, cfg *config.Config, model, weights, in string, withCaption bool) error {
	sess, result, err := det.AnalyzeFile(ctx, model, weights, in)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Fprintf(w, "model:   %s\n", sess.Selector())
	fmt.Fprintf(w, "caption: %s\n", result.Caption)
	fmt.Fprintf(w, "summary: %s\n", result.Summary)
	fmt.Fprintf(w, "time:    %.2fs\n", result.ProcessTime.Seconds())
	for _, option := range visualizer.OptionLabels(result.Set)[1:] {
		fmt.Fprintf(w, "  %s\n", option)
	}
	if result.RunID != "" {
		fmt.Fprintf(w, "run:     %s (%s)\n", result.RunName, result.RunID)
	}

	img, err := sess.Render(withCaption)
	if err != nil {
		return err
	}
	dir := cfg.Output.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	path := utils.GenerateOutputFilename(filepath.Base(in), dir, cfg.Output.Prefix, cfg.Output.DefaultFormat)
	if err := det.Analyzer().SaveImage(img, path); err != nil {
		return fmt.Errorf("failed to save render: %w", err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}
