package internal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
	"github.com/hbomb79/hevcify/internal/library"
	"github.com/hbomb79/hevcify/internal/scan"
	"github.com/hbomb79/hevcify/internal/transcode"
	"github.com/hbomb79/hevcify/pkg/logger"
)

var log = logger.Get("Core")

var (
	ErrNoCommand   = errors.New("no command given")
	ErrFilesFailed = errors.New("one or more files failed to transcode")
)

type (
	// Command describes everything a single invocation should do. Commands
	// are executed in a fixed order: catalog edits first, then listings,
	// then scanning, then transcoding, then watching.
	Command struct {
		AddPaths     []string
		AddBlacklist []string
		Clear        []library.Bucket
		ClearErrors  bool

		ListPaths     bool
		ListBlacklist bool
		ListErrors    bool
		ShowSaved     bool
		ShowStatus    bool

		Scan  bool
		Watch bool

		// Count is the number of incomplete files to transcode; zero
		// disables the run. Focus takes precedence over Count.
		Count int
		Focus []string
	}

	// Hevcify is the top-level object for the application, and is responsible
	// for wiring the catalog, prober, scanner and transcode service together.
	Hevcify struct {
		config  *HevcifyConfig
		catalog *library.Catalog
		scanner *scan.Scanner
		service *transcode.Service
		out     io.Writer
	}
)

func (cmd Command) IsEmpty() bool {
	return len(cmd.AddPaths) == 0 && len(cmd.AddBlacklist) == 0 && len(cmd.Clear) == 0 && !cmd.ClearErrors &&
		!cmd.ListPaths && !cmd.ListBlacklist && !cmd.ListErrors && !cmd.ShowSaved && !cmd.ShowStatus &&
		!cmd.Scan && !cmd.Watch && cmd.Count == 0 && len(cmd.Focus) == 0
}

// New opens the catalog named by the config (taking its lock), and constructs
// the services which operate on it. Listings are written to out. The returned
// Hevcify must be closed to release the catalog lock.
func New(config *HevcifyConfig, verboseTools bool, out io.Writer) (*Hevcify, error) {
	log.Emit(logger.DEBUG, "Bootstrapping hevcify using config: %#v\n", config)
	catalog, err := library.Open(config.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	prober := ffmpeg.NewProber(config.Tools.FfprobeBinPath)
	scanner := scan.New(catalog, prober, config.ScanConfig())
	orchestrator := transcode.NewOrchestrator(catalog, prober, ffmpeg.NewTranscoder(config.TranscoderConfig(verboseTools)), config.TranscodeConfig())

	return &Hevcify{
		config:  config,
		catalog: catalog,
		scanner: scanner,
		service: transcode.NewService(catalog, scanner, orchestrator),
		out:     out,
	}, nil
}

func (app *Hevcify) Close() error {
	return app.catalog.Close()
}

// Execute runs the command provided to completion. Watch mode blocks until
// the context is cancelled.
func (app *Hevcify) Execute(ctx context.Context, cmd Command) error {
	if cmd.IsEmpty() {
		return ErrNoCommand
	}

	if err := app.editCatalog(cmd); err != nil {
		return err
	}
	app.list(cmd)

	if cmd.Scan {
		summary, err := app.scanner.ScanAll(ctx)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		log.Emit(logger.SUCCESS, "Scan complete: %s\n", summary)
	}

	runErr := app.transcode(ctx, cmd)
	if runErr == nil && cmd.Watch {
		runErr = app.scanner.Watch(ctx)
	}

	if cmd.ShowSaved {
		fmt.Fprintf(app.out, "Space saved: %s\n", library.FormatBytes(app.catalog.SpaceSaved()))
	}
	if cmd.ShowStatus {
		app.printStatus()
	}

	return runErr
}

func (app *Hevcify) editCatalog(cmd Command) error {
	for _, dir := range cmd.AddPaths {
		abs, err := app.catalog.AddTrackedPath(dir)
		if err != nil {
			return err
		}
		log.Emit(logger.NEW, "Tracking %s\n", abs)
	}

	for _, dir := range cmd.AddBlacklist {
		abs, err := app.catalog.AddBlacklistPath(dir)
		if err != nil {
			return err
		}
		log.Emit(logger.NEW, "Blacklisted %s\n", abs)
	}

	if cmd.ClearErrors {
		cmd.Clear = append(cmd.Clear, library.Failed)
	}
	if len(cmd.Clear) > 0 {
		if err := app.catalog.Clear(cmd.Clear...); err != nil {
			return fmt.Errorf("failed to clear catalog: %w", err)
		}
		log.Emit(logger.REMOVE, "Cleared %v\n", cmd.Clear)
	}

	return nil
}

func (app *Hevcify) list(cmd Command) {
	if cmd.ListPaths {
		for _, p := range app.catalog.TrackedPaths() {
			fmt.Fprintln(app.out, p)
		}
	}
	if cmd.ListBlacklist {
		for _, p := range app.catalog.BlacklistPaths() {
			fmt.Fprintln(app.out, p)
		}
	}
	if cmd.ListErrors {
		for _, entry := range app.catalog.Failed() {
			message := entry.ErrorMessage
			if message == "" {
				message = "unknown error"
			}
			fmt.Fprintf(app.out, "%s: %s\n", entry.Filepath, message)
		}
	}
}

// transcode runs the focus directories (if any), or otherwise the next Count
// candidates. ErrFilesFailed is returned if any file failed. Invalid files are
// only reported.
func (app *Hevcify) transcode(ctx context.Context, cmd Command) error {
	reports := make([]*transcode.Report, 0)
	switch {
	case len(cmd.Focus) > 0:
		for _, dir := range cmd.Focus {
			report, err := app.service.RunDirectory(ctx, dir)
			if report != nil {
				reports = append(reports, report)
			}
			if err != nil {
				return err
			}
		}
	case cmd.Count > 0:
		report, err := app.service.RunCandidates(ctx, cmd.Count)
		if errors.Is(err, library.ErrExhaustedLibrary) {
			log.Emit(logger.WARNING, "No incomplete files remain; a scan may add new media\n")
		}
		if err != nil {
			return err
		}
		reports = append(reports, report)
	default:
		return nil
	}

	failed := 0
	for _, report := range reports {
		for _, path := range report.Invalid {
			log.Emit(logger.WARNING, "Skipped invalid file: %s\n", path)
		}
		for _, path := range report.Failed {
			log.Emit(logger.WARNING, "Failed: %s\n", path)
		}
		failed += len(report.Failed)
	}
	if failed > 0 {
		log.Emit(logger.WARNING, "%d file(s) failed, manual conversion is recommended\n", failed)
		return fmt.Errorf("%w: %d file(s)", ErrFilesFailed, failed)
	}

	return nil
}

func (app *Hevcify) printStatus() {
	counts := app.catalog.Counts()
	fmt.Fprintf(app.out, "Catalog:     %s\n", app.catalog.Path())
	fmt.Fprintf(app.out, "Tracked:     %d path(s), %d blacklisted\n", len(app.catalog.TrackedPaths()), len(app.catalog.BlacklistPaths()))
	fmt.Fprintf(app.out, "Incomplete:  %d\n", counts.Incomplete)
	fmt.Fprintf(app.out, "Skipped:     %d\n", counts.Skipped)
	fmt.Fprintf(app.out, "Complete:    %d\n", counts.Complete)
	fmt.Fprintf(app.out, "Failed:      %d\n", counts.Failed)
	fmt.Fprintf(app.out, "Space saved: %s\n", library.FormatBytes(app.catalog.SpaceSaved()))
}
