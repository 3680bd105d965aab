package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	errors []RecordError
}

func (s *recordingSink) Report(_ context.Context, _ string, rerr RecordError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, rerr)
	return nil
}

type fakeRuns struct {
	created   int
	completed []models.ValidationRun
}

func (f *fakeRuns) CreateValidationRun(context.Context, string) (string, error) {
	f.created++
	return "run-1", nil
}

func (f *fakeRuns) CompleteValidationRun(_ context.Context, run models.ValidationRun) error {
	f.completed = append(f.completed, run)
	return nil
}

type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) UpsertOpportunity(context.Context, models.Opportunity) error {
	return errStoreDown
}

func newTestPipeline(t *testing.T) (*Pipeline, *dedup.MemoryStore, *recordingSink) {
	t.Helper()
	store := dedup.NewMemoryStore()
	p := NewPipeline(newValidator(t), store, dedup.NewResolver(store))
	sink := &recordingSink{}
	p.Sink = sink
	p.Now = func() time.Time { return validatedAt }
	return p, store, sink
}

func mixedBatch() []RawOpportunity {
	return []RawOpportunity{
		{ID: uuid.NewString(), ConceptDescription: "Mobile App: Receipt Scanner", DimensionScores: upstreamScores(), FunctionList: []string{"Scan receipts"}},
		{ID: uuid.NewString(), ConceptDescription: "Super app", DimensionScores: upstreamScores(), FunctionList: []string{"a", "b", "c", "d"}, PriorTotalScore: 70},
		{ID: uuid.NewString(), ConceptDescription: "Empty one", DimensionScores: upstreamScores(), FunctionList: []string{}},
		{ID: "not-a-uuid", ConceptDescription: "Bad id", DimensionScores: upstreamScores(), FunctionList: []string{"a"}},
		{ID: uuid.NewString(), ConceptDescription: "receipt   scanner", DimensionScores: upstreamScores(), FunctionList: []string{"Scan receipts", "Export"}},
		{ID: uuid.NewString(), ConceptDescription: "idea:", DimensionScores: upstreamScores(), FunctionList: []string{"a"}},
	}
}

func TestProcessBatch_MixedOutcomes(t *testing.T) {
	p, store, sink := newTestPipeline(t)
	runs := &fakeRuns{}
	p.Runs = runs

	batch := mixedBatch()
	res, err := p.ProcessBatch(context.Background(), batch, BatchOptions{CheckDuplicates: true, Workers: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := BatchStats{Total: 6, Approved: 2, Disqualified: 1, Errored: 3, Unique: 2, Duplicate: 1}
	if res.Stats != want {
		t.Fatalf("expected stats %+v, got %+v", want, res.Stats)
	}
	if len(res.Records) != len(batch) {
		t.Fatalf("expected %d records, got %d", len(batch), len(res.Records))
	}
	for i, r := range res.Records {
		if r.Index != i {
			t.Fatalf("record %d out of order (index %d)", i, r.Index)
		}
	}

	if len(sink.errors) != 3 {
		t.Fatalf("expected 3 errors in sink, got %d", len(sink.errors))
	}
	if !errors.Is(sink.errors[0].Err, ErrMissingFunctions) {
		t.Fatalf("expected missing functions first, got %v", sink.errors[0].Err)
	}
	if !errors.Is(sink.errors[1].Err, dedup.ErrInvalidIdentifier) {
		t.Fatalf("expected invalid identifier second, got %v", sink.errors[1].Err)
	}
	if !errors.Is(sink.errors[2].Err, dedup.ErrEmptyConcept) {
		t.Fatalf("expected empty concept third, got %v", sink.errors[2].Err)
	}

	reasons := res.Reasons()
	if len(reasons) != 4 {
		t.Fatalf("expected 4 reasons (1 disqualified + 3 errors), got %d", len(reasons))
	}

	dup := res.Records[4]
	if dup.Resolution == nil || dup.Resolution.Outcome != models.DedupDuplicate {
		t.Fatalf("expected record 4 to be a duplicate, got %+v", dup.Resolution)
	}
	if dup.Resolution.PrimaryOpportunityID != batch[0].ID {
		t.Fatalf("expected primary %s, got %s", batch[0].ID, dup.Resolution.PrimaryOpportunityID)
	}

	stored, ok := store.Opportunity(batch[1].ID)
	if !ok {
		t.Fatal("disqualified record was not persisted")
	}
	if stored.TotalScore != 0 || stored.Audit == nil || stored.Audit.OriginalScore != 70 {
		t.Fatalf("unexpected stored disqualified record: %+v", stored)
	}
	if stored.DedupStatus != models.DedupUnique {
		t.Fatalf("expected disqualified record to be marked unique, got %q", stored.DedupStatus)
	}

	if runs.created != 1 || len(runs.completed) != 1 {
		t.Fatalf("expected one run created and completed, got %d/%d", runs.created, len(runs.completed))
	}
	if run := runs.completed[0]; run.Status != "completed" || run.Errored != 3 || run.Approved != 2 {
		t.Fatalf("unexpected run bookkeeping: %+v", run)
	}
}

func TestProcessBatch_RerunIsIdempotent(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	batch := mixedBatch()
	opts := BatchOptions{CheckDuplicates: true, Workers: 1}

	first, err := p.ProcessBatch(context.Background(), batch, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := store.Concepts()

	second, err := p.ProcessBatch(context.Background(), batch, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Stats != second.Stats {
		t.Fatalf("stats changed on rerun: %+v vs %+v", first.Stats, second.Stats)
	}

	after := store.Concepts()
	if len(before) != len(after) {
		t.Fatalf("concept count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].SubmissionCount != after[i].SubmissionCount {
			t.Fatalf("submission count changed for %s: %d -> %d", before[i].Fingerprint, before[i].SubmissionCount, after[i].SubmissionCount)
		}
	}
}

func TestProcessBatch_ParallelMatchesSequential(t *testing.T) {
	batch := make([]RawOpportunity, 0, 60)
	for i := 0; i < 60; i++ {
		fns := []string{"a"}
		if i%3 == 0 {
			fns = []string{"a", "b", "c", "d"}
		}
		batch = append(batch, RawOpportunity{
			ID:                 uuid.NewString(),
			ConceptDescription: "concept " + string(rune('a'+i%26)),
			DimensionScores:    upstreamScores(),
			FunctionList:       fns,
		})
	}

	seq, _, _ := newTestPipeline(t)
	par, _, _ := newTestPipeline(t)

	a, err := seq.ProcessBatch(context.Background(), batch, BatchOptions{Workers: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := par.ProcessBatch(context.Background(), batch, BatchOptions{Workers: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.Stats != b.Stats {
		t.Fatalf("stats differ: %+v vs %+v", a.Stats, b.Stats)
	}
	for i := range a.Records {
		if a.Records[i].Decision.Opportunity.TotalScore != b.Records[i].Decision.Opportunity.TotalScore {
			t.Fatalf("record %d differs between runs", i)
		}
	}
}

func TestProcessBatch_StoreFailureAborts(t *testing.T) {
	p := NewPipeline(newValidator(t), brokenStore{}, nil)
	runs := &fakeRuns{}
	p.Runs = runs

	batch := mixedBatch()
	_, err := p.ProcessBatch(context.Background(), batch, BatchOptions{Workers: 2})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(runs.completed) != 1 || runs.completed[0].Status != "failed" {
		t.Fatalf("expected failed run, got %+v", runs.completed)
	}
}

func TestProcessBatch_DryRunWithoutStore(t *testing.T) {
	p := NewPipeline(newValidator(t), nil, nil)
	res, err := p.ProcessBatch(context.Background(), []RawOpportunity{
		{ID: "draft-1", DimensionScores: upstreamScores(), FunctionList: []string{"Scan receipts"}},
	}, BatchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stats.Approved != 1 {
		t.Fatalf("expected dry run to approve without a uuid id, got %+v", res.Stats)
	}
}

func TestProcessBatch_DedupRequiresResolver(t *testing.T) {
	p := NewPipeline(newValidator(t), nil, nil)
	if _, err := p.ProcessBatch(context.Background(), nil, BatchOptions{CheckDuplicates: true}); err == nil {
		t.Fatal("expected error when dedup requested without a resolver")
	}
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessBatch(ctx, mixedBatch(), BatchOptions{CheckDuplicates: true, Workers: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
