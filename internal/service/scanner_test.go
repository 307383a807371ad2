package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/clock"
	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/metrics"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/storage"
	"github.com/auction-finalizer/internal/types"
)

var scanStart = time.Unix(1_717_243_200, 0).UTC()

// fakeReader serves auction state from memory
type fakeReader struct {
	mu       sync.Mutex
	listed   []uint64
	states   map[uint64]*models.AuctionChainState
	readErrs map[uint64]error
	listErr  error
	block    chan struct{}
	reads    int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		states:   map[uint64]*models.AuctionChainState{},
		readErrs: map[uint64]error{},
	}
}

func (f *fakeReader) add(id uint64, endTime time.Time, finalized bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, id)
	f.states[id] = &models.AuctionChainState{AuctionID: id, EndTime: endTime.Unix(), Finalized: finalized}
}

func (f *fakeReader) ListOpenAuctions(ctx context.Context) ([]*models.AuctionRecord, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*models.AuctionRecord, 0, len(f.listed))
	for _, id := range f.listed {
		out = append(out, &models.AuctionRecord{AuctionID: id})
	}
	return out, nil
}

func (f *fakeReader) GetAuctionState(_ context.Context, id uint64) (*models.AuctionChainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.readErrs[id]; err != nil {
		return nil, err
	}
	state, ok := f.states[id]
	if !ok {
		return &models.AuctionChainState{AuctionID: id}, nil
	}
	cp := *state
	return &cp, nil
}

// flakyQueue fails EnqueueBulk for selected auctions, or for the whole call
type flakyQueue struct {
	job.Queue
	failFor map[uint64]bool
	callErr error
}

func (q *flakyQueue) EnqueueBulk(ctx context.Context, jobs []*models.FinalizationJob) ([]models.EnqueueOutcome, error) {
	if q.callErr != nil {
		return nil, q.callErr
	}
	outcomes := make([]models.EnqueueOutcome, len(jobs))
	var pass []*models.FinalizationJob
	var idx []int
	for i, j := range jobs {
		if q.failFor[j.AuctionID] {
			outcomes[i] = models.EnqueueOutcome{JobID: j.ID, AuctionID: j.AuctionID, Status: types.EnqueueStatusFailed, Err: errors.New("write refused")}
			continue
		}
		pass = append(pass, j)
		idx = append(idx, i)
	}
	if len(pass) > 0 {
		inner, err := q.Queue.EnqueueBulk(ctx, pass)
		if err != nil {
			return nil, err
		}
		for k, out := range inner {
			outcomes[idx[k]] = out
		}
	}
	return outcomes, nil
}

type scanHarness struct {
	clock  *clock.Fake
	reader *fakeReader
	queue  job.Queue
	store  *storage.SQLiteJobQueue
}

func newScanHarness(t *testing.T) *scanHarness {
	t.Helper()
	fake := clock.NewFake(scanStart)
	q, err := storage.OpenSQLiteJobQueue(filepath.Join(t.TempDir(), "queue.db"), job.Options{
		Clock:  fake,
		Logger: logging.NewNopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return &scanHarness{clock: fake, reader: newFakeReader(), queue: q, store: q}
}

func (h *scanHarness) scanner(t *testing.T) *Scanner {
	t.Helper()
	s, err := NewScanner(ScannerConfig{
		Reader:          h.reader,
		Queue:           h.queue,
		TimeBucket:      time.Minute,
		ReadConcurrency: 4,
		Clock:           h.clock,
		Metrics:         metrics.New(),
		Logger:          logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return s
}

func TestNewScanner_Validation(t *testing.T) {
	_, err := NewScanner(ScannerConfig{Queue: &flakyQueue{}})
	assert.Error(t, err)
	_, err = NewScanner(ScannerConfig{Reader: newFakeReader()})
	assert.Error(t, err)
}

func TestScanAndEnqueue_DueAfterEndTime(t *testing.T) {
	h := newScanHarness(t)
	ctx := context.Background()
	h.reader.add(42, scanStart.Add(time.Hour), false)
	s := h.scanner(t)

	h.clock.Set(scanStart.Add(time.Hour - time.Second))
	res, err := s.ScanAndEnqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 1, res.SkippedBy[SkipNotDue])

	h.clock.Set(scanStart.Add(time.Hour + time.Second))
	res, err = s.ScanAndEnqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Enqueued)
	require.Len(t, res.JobIDs, 1)
	assert.Equal(t, job.Key(42, h.clock.Now(), time.Minute), res.JobIDs[0])

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestScanAndEnqueue_DefaultTimeBucket(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(42, scanStart.Add(-time.Minute), false)
	s, err := NewScanner(ScannerConfig{
		Reader: h.reader,
		Queue:  h.queue,
		Clock:  h.clock,
		Logger: logging.NewNopLogger(),
	})
	require.NoError(t, err)

	res, err := s.ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	require.Len(t, res.JobIDs, 1)
	assert.Equal(t, job.Key(42, scanStart, job.DefaultTimeBucket), res.JobIDs[0])
	assert.Equal(t, "finalize:42:477012", res.JobIDs[0], "hourly bucket")

	// a later scan in the same hour maps to the same job
	h.clock.Advance(30 * time.Minute)
	res, err = s.ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
}

func TestScanAndEnqueue_EndTimeEqualToNowIsDue(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(5, scanStart, false)

	res, err := h.scanner(t).ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
}

func TestScanAndEnqueue_RepeatedScansDoNotDuplicate(t *testing.T) {
	h := newScanHarness(t)
	ctx := context.Background()
	h.reader.add(42, scanStart.Add(-time.Minute), false)
	s := h.scanner(t)

	first, err := s.ScanAndEnqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Enqueued)

	// next cycle lands in a later bucket but the live job still guards the auction
	h.clock.Advance(5 * time.Minute)
	second, err := s.ScanAndEnqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Enqueued)
	assert.Equal(t, 1, second.SkippedBy[SkipDuplicate])

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Depth())
}

func TestScanAndEnqueue_DeduplicatesCandidates(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(7, scanStart.Add(-time.Minute), false)
	h.reader.listed = append(h.reader.listed, 7, 7)

	res, err := h.scanner(t).ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, h.reader.reads)
}

func TestScanAndEnqueue_SkipsFinalizedAndUnknown(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(1, scanStart.Add(-time.Hour), true)
	h.reader.listed = append(h.reader.listed, 2) // indexer knows it, contract does not

	res, err := h.scanner(t).ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 1, res.SkippedBy[SkipFinalized])
	assert.Equal(t, 1, res.SkippedBy[SkipUnknown])
	assert.Equal(t, 2, res.Skipped)
}

func TestScanAndEnqueue_ReadFailureSkipsOnlyThatAuction(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(1, scanStart.Add(-time.Hour), false)
	h.reader.add(2, scanStart.Add(-time.Hour), false)
	h.reader.readErrs[1] = apperrors.NewChainReadFailedError("1", errors.New("execution reverted"))

	res, err := h.scanner(t).ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.SkippedBy[SkipReadFailed])
}

func TestScanAndEnqueue_PartialEnqueueFailure(t *testing.T) {
	h := newScanHarness(t)
	ctx := context.Background()
	h.reader.add(10, scanStart.Add(-time.Minute), false)
	h.reader.add(11, scanStart.Add(-time.Minute), false)
	h.queue = &flakyQueue{Queue: h.store, failFor: map[uint64]bool{10: true}}
	s := h.scanner(t)

	res, err := s.ScanAndEnqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Due)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.SkippedBy[SkipEnqueueFailed])

	// the failed auction is picked up again next cycle
	h.queue.(*flakyQueue).failFor = nil
	h.clock.Advance(time.Minute)
	res, err = s.ScanAndEnqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.SkippedBy[SkipDuplicate])

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
}

func TestScanAndEnqueue_WholeEnqueueCallFails(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(10, scanStart.Add(-time.Minute), false)
	h.reader.add(11, scanStart.Add(-time.Minute), false)
	h.queue = &flakyQueue{Queue: h.store, callErr: errors.New("connection reset")}

	res, err := h.scanner(t).ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 2, res.SkippedBy[SkipEnqueueFailed])
}

func TestScanAndEnqueue_IndexUnavailableAborts(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(1, scanStart.Add(-time.Minute), false)
	h.reader.listErr = errors.New("502 bad gateway")

	res, err := h.scanner(t).ScanAndEnqueue(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeIndexUnavailable))
	assert.Equal(t, 0, h.reader.reads)

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Depth())
}

func TestScanAndEnqueue_EmptyCandidates(t *testing.T) {
	h := newScanHarness(t)

	res, err := h.scanner(t).ScanAndEnqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)
	assert.Equal(t, 0, res.Enqueued)
}

func TestScanAndEnqueue_RejectsOverlappingScan(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(1, scanStart.Add(-time.Minute), false)
	h.reader.block = make(chan struct{})
	s := h.scanner(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.ScanAndEnqueue(context.Background())
		done <- err
	}()
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	_, err := s.ScanAndEnqueue(context.Background())
	assert.ErrorIs(t, err, ErrScanInProgress)

	close(h.reader.block)
	require.NoError(t, <-done)
	assert.False(t, s.Running())

	// a finished scan frees the guard
	_, err = s.ScanAndEnqueue(context.Background())
	assert.NoError(t, err)
}

func TestScanAndEnqueue_CancelledDuringReads(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(1, scanStart.Add(-time.Minute), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.scanner(t).ScanAndEnqueue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// recordingQueue captures enqueued auctions without persisting them
type recordingQueue struct {
	job.Queue
	auctions []uint64
}

func (q *recordingQueue) EnqueueBulk(_ context.Context, jobs []*models.FinalizationJob) ([]models.EnqueueOutcome, error) {
	outcomes := make([]models.EnqueueOutcome, 0, len(jobs))
	for _, j := range jobs {
		q.auctions = append(q.auctions, j.AuctionID)
		outcomes = append(outcomes, models.EnqueueOutcome{JobID: j.ID, AuctionID: j.AuctionID, Status: types.EnqueueStatusEnqueued})
	}
	return outcomes, nil
}

func TestScanAndEnqueue_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("enqueues exactly the unfinalized auctions past their end time", prop.ForAll(
		func(offsets []int64, finalized []bool) bool {
			reader := newFakeReader()
			var want []uint64
			for i, off := range offsets {
				id := uint64(i + 1)
				fin := len(finalized) > 0 && finalized[i%len(finalized)]
				reader.add(id, scanStart.Add(time.Duration(off)*time.Second), fin)
				if !fin && off <= 0 {
					want = append(want, id)
				}
			}

			q := &recordingQueue{}
			s, err := NewScanner(ScannerConfig{
				Reader: reader,
				Queue:  q,
				Clock:  clock.NewFake(scanStart),
				Logger: logging.NewNopLogger(),
			})
			if err != nil {
				return false
			}
			res, err := s.ScanAndEnqueue(context.Background())
			if err != nil {
				return false
			}

			got := append([]uint64(nil), q.auctions...)
			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
			return fmt.Sprint(got) == fmt.Sprint(want) &&
				res.Enqueued+res.Skipped == len(offsets)
		},
		gen.SliceOfN(24, gen.Int64Range(-120, 120)),
		gen.SliceOfN(24, gen.Bool()),
	))

	properties.TestingRun(t)
}
