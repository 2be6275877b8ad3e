package transcode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/hevcify/internal/library"
	"github.com/hbomb79/hevcify/internal/scan"
	"github.com/hbomb79/hevcify/pkg/logger"
)

type (
	processor interface {
		Process(ctx context.Context, input string) Outcome
	}

	scanner interface {
		Scan(ctx context.Context, dir string) (scan.Summary, error)
	}

	candidateSource interface {
		Candidates(count int) ([]string, error)
		CandidatesIn(dir string) ([]string, error)
	}

	// Service is the run loop which selects candidate files from the
	// catalog and drives them through the orchestrator, one at a time.
	Service struct {
		catalog      candidateSource
		scanner      scanner
		orchestrator processor
	}

	// Report summarises a single run.
	Report struct {
		RunID      uuid.UUID
		StartedAt  time.Time
		FinishedAt time.Time
		Outcomes   []Outcome
		// Failed holds the paths of every file which failed to transcode.
		Failed []string
		// Invalid holds the paths of files which were missing or otherwise
		// could not be processed at all. These are not failures.
		Invalid    []string
		SpaceSaved int64
		Cancelled  bool
	}
)

func NewService(catalog candidateSource, scanner scanner, orchestrator processor) *Service {
	return &Service{catalog: catalog, scanner: scanner, orchestrator: orchestrator}
}

// RunCandidates transcodes up to count incomplete files from the catalog
// (every incomplete file, if count is zero). library.ErrExhaustedLibrary is
// returned when the catalog has no incomplete files.
func (service *Service) RunCandidates(ctx context.Context, count int) (*Report, error) {
	candidates, err := service.catalog.Candidates(count)
	if err != nil {
		return nil, err
	}

	return service.run(ctx, candidates)
}

// RunDirectory scans dir for new files, and then transcodes every incomplete
// file beneath it.
func (service *Service) RunDirectory(ctx context.Context, dir string) (*Report, error) {
	if _, err := service.scanner.Scan(ctx, dir); err != nil {
		return nil, fmt.Errorf("failed to scan focus directory %s: %w", dir, err)
	}

	candidates, err := service.catalog.CandidatesIn(dir)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		log.Emit(logger.INFO, "No incomplete files beneath %s\n", dir)
	}

	return service.run(ctx, candidates)
}

// run processes each path in turn. A failure of one file does not stop the
// run, however cancellation does (after the file being processed has been
// restored). ErrCancelled is returned alongside the report in that case.
func (service *Service) run(ctx context.Context, paths []string) (*Report, error) {
	report := &Report{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
		Outcomes:  make([]Outcome, 0, len(paths)),
		Failed:    make([]string, 0),
		Invalid:   make([]string, 0),
	}

	log.Emit(logger.INFO, "Run %s starting with %d file(s)\n", report.RunID, len(paths))
	for i, path := range paths {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		log.Emit(logger.INFO, "[%d/%d] %s\n", i+1, len(paths), path)
		outcome := service.orchestrator.Process(ctx, path)
		report.record(outcome)

		if outcome.Kind == Cancelled {
			break
		}
	}

	report.FinishedAt = time.Now()
	if report.Cancelled {
		log.Emit(logger.STOP, "Run %s cancelled\n", report.RunID)
		return report, ErrCancelled
	}

	log.Emit(logger.SUCCESS, "Run %s finished: %s\n", report.RunID, report)
	return report, nil
}

func (report *Report) record(outcome Outcome) {
	report.Outcomes = append(report.Outcomes, outcome)
	switch outcome.Kind {
	case Committed:
		report.SpaceSaved += outcome.SpaceSaved
	case Failed:
		report.Failed = append(report.Failed, outcome.Input)
	case Invalid:
		report.Invalid = append(report.Invalid, outcome.Input)
	case Cancelled:
		report.Cancelled = true
	}
}

// Count returns the number of outcomes of the kind provided.
func (report *Report) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range report.Outcomes {
		if o.Kind == kind {
			n++
		}
	}

	return n
}

func (report *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d committed, %d already encoded, %d failed, %d invalid, %s saved",
		report.Count(Committed), report.Count(AlreadyEncoded), len(report.Failed), len(report.Invalid), library.FormatBytes(report.SpaceSaved))
	if !report.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, " in %s", report.FinishedAt.Sub(report.StartedAt).Round(time.Second))
	}

	return sb.String()
}
