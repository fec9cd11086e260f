package recon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskbridge/failure"
	"taskbridge/ledger"
	"taskbridge/metadata"
	"taskbridge/validator"
)

type memoryStore struct {
	mu      sync.Mutex
	records []metadata.TaskRecord
	marked  map[string]string
	failOn  map[string]bool
	listErr error
}

func newMemoryStore(ids ...string) *memoryStore {
	s := &memoryStore{marked: map[string]string{}, failOn: map[string]bool{}}
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range ids {
		s.records = append(s.records, metadata.TaskRecord{
			ChainID:        187,
			TaskID:         id,
			Title:          "task " + id,
			CreatorAddress: "0xabc",
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		})
	}
	return s
}

func (s *memoryStore) ListTasks(_ context.Context, filter metadata.ListFilter) ([]metadata.TaskRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metadata.TaskRecord, 0, len(s.records))
	for _, rec := range s.records {
		if !filter.CreatedAfter.IsZero() && rec.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *memoryStore) MarkOrphan(_ context.Context, _ uint64, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[taskID] {
		return errors.New("write failed")
	}
	if _, ok := s.marked[taskID]; !ok {
		s.marked[taskID] = reason
	}
	return nil
}

type chainMap struct {
	exists      map[string]bool
	unreachable map[string]bool
	inFlight    atomic.Int32
	peak        atomic.Int32
}

func (c *chainMap) ValidateTaskExists(_ context.Context, taskID string) validator.Result {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		prev := c.peak.Load()
		if cur <= prev || c.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if _, err := ledger.ParseTaskID(taskID); err != nil {
		return validator.Result{TaskID: taskID, Err: failure.New(failure.KindValidation, "validator.task_exists", err)}
	}
	if c.unreachable[taskID] {
		return validator.Result{TaskID: taskID, Err: failure.New(failure.KindChainUnavailable, "validator.task_exists", fmt.Errorf("ledger read for task %s failed: dial timeout", taskID))}
	}
	if c.exists[taskID] {
		return validator.Result{TaskID: taskID, Exists: true, Creator: "0xabc"}
	}
	return validator.Result{TaskID: taskID, Err: failure.New(failure.KindNotFound, "validator.task_exists", validator.ErrTaskNotFound)}
}

func newTestScanner(t *testing.T, store Store, chain TaskValidator, mutate func(*Config)) *Scanner {
	t.Helper()
	cfg := Config{
		Store:     store,
		Validator: chain,
		ChainID:   187,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	return scanner
}

func TestScanEmptyStore(t *testing.T) {
	scanner := newTestScanner(t, newMemoryStore(), &chainMap{}, nil)
	result, err := scanner.Scan(context.Background(), ScanOptions{BatchSize: 10})
	require.NoError(t, err)
	require.Zero(t, result.TotalScanned)
	require.Zero(t, result.OrphanCount)
	require.Empty(t, result.OrphanIDs)
}

func TestScanFlagsMissingTask(t *testing.T) {
	store := newMemoryStore("4", "5", "6")
	chain := &chainMap{exists: map[string]bool{"4": true, "6": true}}
	scanner := newTestScanner(t, store, chain, nil)

	result, err := scanner.Scan(context.Background(), ScanOptions{BatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalScanned)
	require.Equal(t, 1, result.OrphanCount)
	require.Equal(t, 2, result.ValidCount)
	require.Equal(t, []string{"5"}, result.OrphanIDs)
	require.Equal(t, ReasonNotFound, result.Details[0].Reason)
	require.Equal(t, "task 5", result.Details[0].Title)
}

func TestScanCountsAcrossStateCombinations(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}
	for mask := 0; mask < 16; mask++ {
		chain := &chainMap{exists: map[string]bool{}, unreachable: map[string]bool{}}
		wantOrphans := 0
		for i, id := range ids {
			switch {
			case (mask>>(i%4))&1 == 1:
				chain.exists[id] = true
			case i%3 == 0:
				chain.unreachable[id] = true
				wantOrphans++
			default:
				wantOrphans++
			}
		}
		scanner := newTestScanner(t, newMemoryStore(ids...), chain, nil)
		result, err := scanner.Scan(context.Background(), ScanOptions{BatchSize: 4})
		require.NoError(t, err)
		require.Equal(t, wantOrphans, result.OrphanCount, "mask %d", mask)
		require.Equal(t, len(ids), result.OrphanCount+result.ValidCount)
		require.Equal(t, len(ids), result.TotalScanned)
	}
}

func TestScanUnreachableChainTreatedAsOrphan(t *testing.T) {
	chain := &chainMap{unreachable: map[string]bool{"9": true}}
	scanner := newTestScanner(t, newMemoryStore("9"), chain, nil)
	result, err := scanner.Scan(context.Background(), ScanOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.OrphanCount)
	require.True(t, strings.HasPrefix(result.Details[0].Reason, ReasonUnreachablePrefix))
	require.Contains(t, result.Details[0].Reason, "dial timeout")
}

func TestScanOrdersNumericallyAndBoundsParallelism(t *testing.T) {
	store := newMemoryStore("10", "2", "33", "1", "abc", "4")
	chain := &chainMap{}
	scanner := newTestScanner(t, store, chain, func(cfg *Config) { cfg.Concurrency = 2 })
	result, err := scanner.Scan(context.Background(), ScanOptions{BatchSize: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "4", "10", "33", "abc"}, result.OrphanIDs)
	require.Equal(t, ReasonInvalidID, result.Details[5].Reason)
	require.LessOrEqual(t, chain.peak.Load(), int32(2))
}

func TestScanSleepsBetweenBatches(t *testing.T) {
	var sleeps []time.Duration
	scanner := newTestScanner(t, newMemoryStore("1", "2", "3", "4", "5"), &chainMap{}, func(cfg *Config) {
		cfg.BatchDelay = 40 * time.Millisecond
		cfg.Sleep = func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}
	})
	_, err := scanner.Scan(context.Background(), ScanOptions{BatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{40 * time.Millisecond, 40 * time.Millisecond}, sleeps)
}

func TestScanStoreFailureIsScanLevel(t *testing.T) {
	store := newMemoryStore()
	store.listErr = errors.New("db down")
	scanner := newTestScanner(t, store, &chainMap{}, nil)
	_, err := scanner.Scan(context.Background(), ScanOptions{})
	require.Error(t, err)
}

func TestScanDaysBackFilter(t *testing.T) {
	store := newMemoryStore("1", "2", "3")
	now := time.Date(2024, 5, 2, 0, 30, 0, 0, time.UTC)
	scanner := newTestScanner(t, store, &chainMap{}, func(cfg *Config) {
		cfg.Now = func() time.Time { return now }
	})
	result, err := scanner.Scan(context.Background(), ScanOptions{DaysBack: 1})
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalScanned)
}

func TestCleanupDryRunDoesNotMutate(t *testing.T) {
	store := newMemoryStore("5")
	scanner := newTestScanner(t, store, &chainMap{}, nil)
	result, err := scanner.Cleanup(context.Background(), []string{"5"}, true)
	require.NoError(t, err)
	require.Equal(t, []CleanupOperation{{TaskID: "5", Action: ActionMarkedOrphan, Success: true, DryRun: true}}, result.Operations)
	require.Empty(t, store.marked)
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	store := newMemoryStore("1", "2", "3")
	store.failOn["2"] = true
	scanner := newTestScanner(t, store, &chainMap{}, nil)
	result, err := scanner.Cleanup(context.Background(), []string{"1", "2", "3"}, false)
	require.NoError(t, err)
	require.Equal(t, 3, result.ProcessedCount)
	require.Equal(t, 2, result.SuccessCount)
	require.Equal(t, 1, result.FailureCount)
	require.False(t, result.Operations[1].Success)
	require.Contains(t, store.marked, "1")
	require.Contains(t, store.marked, "3")
}

func TestScanAndCleanupComposes(t *testing.T) {
	store := newMemoryStore("1", "2")
	chain := &chainMap{exists: map[string]bool{"1": true}}
	var alerts []string
	scanner := newTestScanner(t, store, chain, func(cfg *Config) {
		cfg.Alert = func(_ context.Context, orphan OrphanRecord) error {
			alerts = append(alerts, orphan.TaskID)
			return nil
		}
	})

	report, err := scanner.ScanAndCleanup(context.Background(), ScanOptions{}, false)
	require.NoError(t, err)
	require.Nil(t, report.Cleanup)
	require.Equal(t, []string{"2"}, alerts)

	report, err = scanner.ScanAndCleanup(context.Background(), ScanOptions{}, true)
	require.NoError(t, err)
	require.NotNil(t, report.Cleanup)
	require.Equal(t, 1, report.Cleanup.SuccessCount)
	require.Equal(t, ReasonNotFound, store.marked["2"])

	report, err = scanner.ScanAndCleanup(context.Background(), ScanOptions{}, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Cleanup.SuccessCount)

	chain.exists["2"] = true
	report, err = scanner.ScanAndCleanup(context.Background(), ScanOptions{}, true)
	require.NoError(t, err)
	require.Nil(t, report.Cleanup)
}

func TestScanExportsReports(t *testing.T) {
	dir := t.TempDir()
	scanner := newTestScanner(t, newMemoryStore("5", "6"), &chainMap{}, func(cfg *Config) { cfg.OutputDir = dir })

	dry, err := scanner.Scan(context.Background(), ScanOptions{DryRun: true})
	require.NoError(t, err)
	require.Empty(t, dry.Reports)

	result, err := scanner.Scan(context.Background(), ScanOptions{})
	require.NoError(t, err)
	require.Len(t, result.Reports, 1)
	report := result.Reports[0]
	require.Equal(t, 2, report.Count)
	require.FileExists(t, report.ParquetPath)
	data, err := os.ReadFile(report.CSVPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "chain_id,task_id,title,creator,created_at,reason", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "187,5,task 5,"))
	require.Equal(t, dir, filepath.Dir(filepath.Dir(report.CSVPath)))
}

func TestScanAgainstSQLiteStore(t *testing.T) {
	store, err := metadata.Open(filepath.Join(t.TempDir(), "recon.db"))
	require.NoError(t, err)
	ctx := context.Background()
	for _, id := range []string{"1", "5"} {
		_, err := store.Upsert(ctx, &metadata.TaskRecord{ChainID: 187, TaskID: id, Title: "t" + id, Description: "d", Contacts: "c", CreatorAddress: "0xabc"})
		require.NoError(t, err)
	}
	chain := &chainMap{exists: map[string]bool{"1": true}}
	scanner := newTestScanner(t, store, chain, nil)

	report, err := scanner.ScanAndCleanup(ctx, ScanOptions{}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"5"}, report.Scan.OrphanIDs)
	require.Equal(t, 1, report.Cleanup.SuccessCount)

	rec, err := store.Get(ctx, 187, "5")
	require.NoError(t, err)
	require.True(t, rec.Orphaned())
	require.Equal(t, ReasonNotFound, rec.OrphanReason)
}
