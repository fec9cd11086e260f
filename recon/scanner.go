// Package recon finds off-chain task records with no ledger counterpart and
// marks them so they stop being served as real tasks.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"taskbridge/failure"
	"taskbridge/metadata"
	"taskbridge/observability"
	"taskbridge/validator"
)

const (
	// ReasonNotFound is recorded for tasks the ledger confirmed absent.
	ReasonNotFound = "Task not found on blockchain"
	// ReasonUnreachablePrefix prefixes tasks whose ledger read failed.
	ReasonUnreachablePrefix = "Blockchain unreachable: "
	// ReasonInvalidID is recorded for records whose id cannot exist on the ledger.
	ReasonInvalidID = "Invalid task identifier"

	// ActionMarkedOrphan is the cleanup action applied to every orphan.
	ActionMarkedOrphan = "marked_orphan"

	defaultBatchSize   = 50
	defaultConcurrency = 5
	defaultBatchDelay  = 250 * time.Millisecond
)

// Store is the off-chain surface the scanner reads and marks.
type Store interface {
	ListTasks(ctx context.Context, filter metadata.ListFilter) ([]metadata.TaskRecord, error)
	MarkOrphan(ctx context.Context, chainID uint64, taskID, reason string) error
}

// TaskValidator answers ledger existence questions.
type TaskValidator interface {
	ValidateTaskExists(ctx context.Context, taskID string) validator.Result
}

// AlertFunc is invoked for every orphan found during a scan.
type AlertFunc func(ctx context.Context, orphan OrphanRecord) error

// Config captures the dependencies required to construct a Scanner.
type Config struct {
	Store       Store
	Validator   TaskValidator
	ChainID     uint64
	Concurrency int
	BatchDelay  time.Duration
	// Limiter paces ledger reads across batches. A nil limiter disables pacing.
	Limiter   *rate.Limiter
	OutputDir string
	Alert     AlertFunc
	Logger    *slog.Logger
	Metrics   *observability.ReconMetrics
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

// ScanOptions narrows a single scan.
type ScanOptions struct {
	DaysBack  int  `json:"daysBack,omitempty"`
	BatchSize int  `json:"batchSize,omitempty"`
	DryRun    bool `json:"dryRun"`
}

// OrphanRecord describes one off-chain record with no ledger counterpart. It
// is rebuilt on every scan and never stored.
type OrphanRecord struct {
	TaskID    string    `json:"taskId"`
	Title     string    `json:"title"`
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"createdAt"`
	Reason    string    `json:"reason"`
}

// ScanResult summarises a scan.
type ScanResult struct {
	TotalScanned int            `json:"totalScanned"`
	OrphanCount  int            `json:"orphanCount"`
	ValidCount   int            `json:"validCount"`
	OrphanIDs    []string       `json:"orphanIds"`
	Details      []OrphanRecord `json:"details"`
	DurationMs   int64          `json:"durationMs"`
	Reports      []ReportFile   `json:"reports,omitempty"`
}

// CleanupOperation records the action taken, or intended, for one record.
type CleanupOperation struct {
	TaskID  string `json:"taskId"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	DryRun  bool   `json:"dryRun,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CleanupResult summarises a cleanup run.
type CleanupResult struct {
	ProcessedCount int                `json:"processedCount"`
	SuccessCount   int                `json:"successCount"`
	FailureCount   int                `json:"failureCount"`
	Operations     []CleanupOperation `json:"operations"`
}

// Report combines a scan with the optional cleanup that followed it.
type Report struct {
	Scan    ScanResult     `json:"scan"`
	Cleanup *CleanupResult `json:"cleanup,omitempty"`
}

// Scanner reconciles the off-chain store against the ledger.
type Scanner struct {
	store       Store
	validator   TaskValidator
	chainID     uint64
	concurrency int
	batchDelay  time.Duration
	limiter     *rate.Limiter
	outputDir   string
	alert       AlertFunc
	logger      *slog.Logger
	metrics     *observability.ReconMetrics
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewScanner builds a configured scanner.
func NewScanner(cfg Config) (*Scanner, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("recon: validator is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	delay := cfg.BatchDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = defaultBatchDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Scanner{
		store:       cfg.Store,
		validator:   cfg.Validator,
		chainID:     cfg.ChainID,
		concurrency: concurrency,
		batchDelay:  delay,
		limiter:     cfg.Limiter,
		outputDir:   strings.TrimSpace(cfg.OutputDir),
		alert:       cfg.Alert,
		logger:      logger,
		metrics:     cfg.Metrics,
		now:         now,
		sleep:       sleep,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Scan checks every selected record against the ledger. Per-record failures
// classify the record as an orphan; only store or context failures abort.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	ctx, span := otel.Tracer("taskbridge/recon").Start(ctx, "recon.scan")
	defer span.End()

	started := s.now()
	filter := metadata.ListFilter{ChainID: s.chainID, IncludeOrphaned: true}
	if opts.DaysBack > 0 {
		filter.CreatedAfter = started.AddDate(0, 0, -opts.DaysBack)
	}
	records, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("recon: list records: %w", err)
	}
	sortByTaskID(records)

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	result := &ScanResult{OrphanIDs: []string{}, Details: []OrphanRecord{}}
	for offset := 0; offset < len(records); offset += batchSize {
		if offset > 0 {
			if err := s.sleep(ctx, s.batchDelay); err != nil {
				return nil, fmt.Errorf("recon: scan interrupted: %w", err)
			}
		}
		end := offset + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[offset:end]
		verdicts, err := s.validateBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for i, verdict := range verdicts {
			result.TotalScanned++
			if verdict.Exists {
				result.ValidCount++
				continue
			}
			orphan := OrphanRecord{
				TaskID:    batch[i].TaskID,
				Title:     batch[i].Title,
				Creator:   batch[i].CreatorAddress,
				CreatedAt: batch[i].CreatedAt,
				Reason:    orphanReason(verdict),
			}
			result.OrphanCount++
			result.OrphanIDs = append(result.OrphanIDs, orphan.TaskID)
			result.Details = append(result.Details, orphan)
			s.raise(ctx, orphan)
		}
	}

	if !opts.DryRun && s.outputDir != "" && result.OrphanCount > 0 {
		files, err := s.exportReports(started, result.Details)
		if err != nil {
			s.logger.Warn("recon report export failed", slog.String("error", err.Error()))
		}
		result.Reports = files
	}

	elapsed := s.now().Sub(started)
	result.DurationMs = elapsed.Milliseconds()
	s.metrics.ObserveScan(result.TotalScanned, result.OrphanCount, elapsed)
	span.SetAttributes(
		attribute.Int("recon.total_scanned", result.TotalScanned),
		attribute.Int("recon.orphan_count", result.OrphanCount),
	)
	s.logger.Info("recon scan complete",
		slog.Uint64("chain_id", s.chainID),
		slog.Int("total_scanned", result.TotalScanned),
		slog.Int("orphan_count", result.OrphanCount),
		slog.Int64("duration_ms", result.DurationMs))
	return result, nil
}

func (s *Scanner) validateBatch(ctx context.Context, batch []metadata.TaskRecord) ([]validator.Result, error) {
	verdicts := make([]validator.Result, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range batch {
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					verdicts[i] = validator.Result{
						TaskID: batch[i].TaskID,
						Err:    failure.New(failure.KindChainUnavailable, "recon.pace", err),
					}
					return nil
				}
			}
			verdicts[i] = s.validator.ValidateTaskExists(gctx, batch[i].TaskID)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("recon: scan interrupted: %w", err)
	}
	return verdicts, nil
}

func orphanReason(verdict validator.Result) string {
	switch {
	case failure.Is(verdict.Err, failure.KindValidation):
		return ReasonInvalidID
	case verdict.Unreachable():
		return ReasonUnreachablePrefix + failure.Excerpt(errors.Unwrap(verdict.Err))
	default:
		return ReasonNotFound
	}
}

func (s *Scanner) raise(ctx context.Context, orphan OrphanRecord) {
	if s.alert == nil {
		return
	}
	if err := s.alert(ctx, orphan); err != nil {
		s.logger.Warn("recon alert delivery failed",
			slog.String("task_id", orphan.TaskID),
			slog.String("error", err.Error()))
	}
}

// Cleanup marks each id as orphaned. A dry run records the intended action
// without touching the store. Records are processed independently.
func (s *Scanner) Cleanup(ctx context.Context, ids []string, dryRun bool) (*CleanupResult, error) {
	return s.cleanup(ctx, ids, nil, dryRun)
}

func (s *Scanner) cleanup(ctx context.Context, ids []string, reasons map[string]string, dryRun bool) (*CleanupResult, error) {
	ctx, span := otel.Tracer("taskbridge/recon").Start(ctx, "recon.cleanup")
	defer span.End()
	span.SetAttributes(attribute.Bool("recon.dry_run", dryRun), attribute.Int("recon.ids", len(ids)))

	result := &CleanupResult{Operations: make([]CleanupOperation, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("recon: cleanup interrupted: %w", err)
		}
		op := CleanupOperation{TaskID: id, Action: ActionMarkedOrphan, DryRun: dryRun}
		result.ProcessedCount++
		if dryRun {
			op.Success = true
		} else {
			reason := reasons[id]
			if reason == "" {
				reason = ReasonNotFound
			}
			if err := s.store.MarkOrphan(ctx, s.chainID, id, reason); err != nil {
				op.Error = err.Error()
				s.logger.Warn("recon cleanup failed", slog.String("task_id", id), slog.String("error", err.Error()))
			} else {
				op.Success = true
			}
		}
		if op.Success {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
		s.metrics.RecordCleanup(dryRun, op.Success)
		result.Operations = append(result.Operations, op)
	}
	return result, nil
}

// ScanAndCleanup scans and, when orphans exist and doCleanup is set, cleans
// them up using the scan's dry-run flag.
func (s *Scanner) ScanAndCleanup(ctx context.Context, opts ScanOptions, doCleanup bool) (*Report, error) {
	scan, err := s.Scan(ctx, opts)
	if err != nil {
		return nil, err
	}
	report := &Report{Scan: *scan}
	if scan.OrphanCount == 0 || !doCleanup {
		return report, nil
	}
	reasons := make(map[string]string, len(scan.Details))
	for _, detail := range scan.Details {
		reasons[detail.TaskID] = detail.Reason
	}
	cleanup, err := s.cleanup(ctx, scan.OrphanIDs, reasons, opts.DryRun)
	if err != nil {
		return nil, err
	}
	report.Cleanup = cleanup
	return report, nil
}

// sortByTaskID orders records numerically by task id. Ids that are not
// decimal integers sort after numeric ones, lexically.
func sortByTaskID(records []metadata.TaskRecord) {
	keys := make([]*big.Int, len(records))
	for i := range records {
		if v, ok := new(big.Int).SetString(strings.TrimSpace(records[i].TaskID), 10); ok {
			keys[i] = v
		}
	}
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		switch {
		case ka != nil && kb != nil:
			return ka.Cmp(kb) < 0
		case ka != nil:
			return true
		case kb != nil:
			return false
		default:
			return records[idx[a]].TaskID < records[idx[b]].TaskID
		}
	})
	sorted := make([]metadata.TaskRecord, len(records))
	for i, j := range idx {
		sorted[i] = records[j]
	}
	copy(records, sorted)
}

func (s *Scanner) exportReports(at time.Time, orphans []OrphanRecord) ([]ReportFile, error) {
	runDir := filepath.Join(s.outputDir, at.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	file, err := writeReportFiles(runDir, s.chainID, orphans)
	if err != nil {
		return nil, err
	}
	s.logger.Info("recon report written",
		slog.String("csv", file.CSVPath),
		slog.String("parquet", file.ParquetPath),
		slog.Int("rows", file.Count))
	return []ReportFile{file}, nil
}
