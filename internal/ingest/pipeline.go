package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/models"
	"github.com/david/opportunity-validator/internal/worker"
)

// OpportunityStore persists validated records keyed by id. Upserts must keep
// an existing dedup marking and an existing audit.
type OpportunityStore interface {
	UpsertOpportunity(ctx context.Context, opp models.Opportunity) error
}

// RunRecorder bookkeeps one row per persisted batch.
type RunRecorder interface {
	CreateValidationRun(ctx context.Context, source string) (string, error)
	CompleteValidationRun(ctx context.Context, run models.ValidationRun) error
}

// Pipeline runs validation, persistence and duplicate resolution for batches
// of raw records. It holds no per-batch state.
type Pipeline struct {
	Validator *ConstraintValidator
	Store     OpportunityStore
	Resolver  *dedup.Resolver
	Sink      ErrorSink
	Runs      RunRecorder
	Now       func() time.Time
}

func NewPipeline(validator *ConstraintValidator, store OpportunityStore, resolver *dedup.Resolver) *Pipeline {
	return &Pipeline{
		Validator: validator,
		Store:     store,
		Resolver:  resolver,
		Sink:      LogSink{},
	}
}

// BatchOptions tunes one ProcessBatch call.
type BatchOptions struct {
	CheckDuplicates bool
	Workers         int
	// Source labels the validation run, e.g. the input file name.
	Source string
}

// RecordResult is the outcome for one input record, at its input index.
type RecordResult struct {
	Index      int
	ID         string
	Decision   ConstraintDecision
	Resolution *dedup.Resolution
	Err        *RecordError
}

// BatchStats accumulates outcome counts for one batch.
type BatchStats struct {
	Total        int `json:"total"`
	Approved     int `json:"approved"`
	Disqualified int `json:"disqualified"`
	Errored      int `json:"errored"`
	Unique       int `json:"unique"`
	Duplicate    int `json:"duplicate"`
	Corrected    int `json:"corrected"`
}

func (s *BatchStats) add(r RecordResult) {
	s.Total++
	if r.Err != nil {
		s.Errored++
		return
	}
	switch r.Decision.Outcome {
	case OutcomeApproved:
		s.Approved++
	case OutcomeDisqualified:
		s.Disqualified++
	}
	if r.Decision.Corrected {
		s.Corrected++
	}
	if r.Resolution != nil {
		switch r.Resolution.Outcome {
		case models.DedupUnique:
			s.Unique++
		case models.DedupDuplicate:
			s.Duplicate++
		}
	}
}

// RecordReason explains why a record was disqualified or failed.
type RecordReason struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

type BatchResult struct {
	RunID   string
	Records []RecordResult
	Errors  []RecordError
	Stats   BatchStats
}

// Reasons lists every disqualified or errored record with its reason, in
// input order.
func (b BatchResult) Reasons() []RecordReason {
	var out []RecordReason
	for _, r := range b.Records {
		switch {
		case r.Err != nil:
			out = append(out, RecordReason{ID: r.ID, Outcome: "error", Reason: fmt.Sprintf("%s: %v", r.Err.Reason(), r.Err.Err)})
		case r.Decision.Outcome == OutcomeDisqualified:
			out = append(out, RecordReason{ID: r.ID, Outcome: string(OutcomeDisqualified), Reason: r.Decision.Reason()})
		}
	}
	return out
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// ProcessBatch validates every record, persists it when a store is set and,
// if requested, resolves duplicates. Record failures are reported through the
// sink and counted; a store failure stops the batch and is returned together
// with the results gathered so far.
func (p *Pipeline) ProcessBatch(ctx context.Context, raws []RawOpportunity, opts BatchOptions) (BatchResult, error) {
	if p.Validator == nil {
		return BatchResult{}, errors.New("pipeline has no validator")
	}
	if opts.CheckDuplicates && p.Resolver == nil {
		return BatchResult{}, errors.New("duplicate checking requested but no resolver configured")
	}

	result := BatchResult{}
	if p.Runs != nil {
		runID, err := p.Runs.CreateValidationRun(ctx, opts.Source)
		if err != nil {
			log.Printf("[Warn] Failed to create validation run: %v", err)
		} else {
			result.RunID = runID
		}
	}

	start := time.Now()
	now := p.now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make([]worker.Job, len(raws))
	for i, raw := range raws {
		jobs[i] = &recordJob{index: i, raw: raw, opts: opts, now: now, runID: result.RunID, pipeline: p, cancel: cancel}
	}
	outcomes := worker.Run(runCtx, opts.Workers, jobs)

	var storeErr, ctxErr error
	for _, o := range outcomes {
		out := o.(*recordOutcome)
		if out.fatal != nil {
			if errors.Is(out.fatal, context.Canceled) || errors.Is(out.fatal, context.DeadlineExceeded) {
				if ctxErr == nil {
					ctxErr = out.fatal
				}
			} else if storeErr == nil {
				storeErr = out.fatal
			}
			continue
		}
		p.collect(ctx, &result, out.result)
	}

	fatal := storeErr
	if fatal == nil && ctxErr != nil {
		fatal = ctxErr
	}
	if fatal == nil && len(outcomes) < len(raws) {
		fatal = ctx.Err()
		if fatal == nil {
			fatal = fmt.Errorf("batch interrupted after %d of %d records", len(outcomes), len(raws))
		}
	}

	p.completeRun(ctx, result, start, fatal)

	log.Printf("[pipeline] batch done in %s: %d approved, %d disqualified, %d errored, %d unique, %d duplicate",
		time.Since(start).Round(time.Millisecond), result.Stats.Approved, result.Stats.Disqualified,
		result.Stats.Errored, result.Stats.Unique, result.Stats.Duplicate)

	return result, fatal
}

func (p *Pipeline) collect(ctx context.Context, result *BatchResult, r RecordResult) {
	result.Records = append(result.Records, r)
	result.Stats.add(r)
	if r.Err == nil {
		return
	}
	result.Errors = append(result.Errors, *r.Err)
	if p.Sink != nil {
		if err := p.Sink.Report(ctx, result.RunID, *r.Err); err != nil {
			log.Printf("[Warn] error sink: %v", err)
		}
	}
}

func (p *Pipeline) completeRun(ctx context.Context, result BatchResult, start time.Time, fatal error) {
	if p.Runs == nil || result.RunID == "" {
		return
	}
	status := "completed"
	if fatal != nil {
		status = "failed"
	}
	completed := time.Now().UTC()
	run := models.ValidationRun{
		RunID:        result.RunID,
		Status:       status,
		Total:        result.Stats.Total,
		Approved:     result.Stats.Approved,
		Disqualified: result.Stats.Disqualified,
		Errored:      result.Stats.Errored,
		Unique:       result.Stats.Unique,
		Duplicate:    result.Stats.Duplicate,
		StartedAt:    start.UTC(),
		CompletedAt:  &completed,
	}
	if err := p.Runs.CompleteValidationRun(context.WithoutCancel(ctx), run); err != nil {
		log.Printf("Failed to update validation run %s: %v", result.RunID, err)
	}
}

// ProcessRecord runs a single record through the pipeline. A returned error
// is a store failure; record-level failures are in RecordResult.Err.
func (p *Pipeline) ProcessRecord(ctx context.Context, raw RawOpportunity, opts BatchOptions) (RecordResult, error) {
	if p.Validator == nil {
		return RecordResult{}, errors.New("pipeline has no validator")
	}
	if opts.CheckDuplicates && p.Resolver == nil {
		return RecordResult{}, errors.New("duplicate checking requested but no resolver configured")
	}
	return p.process(ctx, 0, raw, opts, p.now(), "")
}

func (p *Pipeline) process(ctx context.Context, index int, raw RawOpportunity, opts BatchOptions, now time.Time, runID string) (RecordResult, error) {
	res := RecordResult{Index: index, ID: NormalizeRaw(raw).ID}
	fail := func(stage Stage, err error) (RecordResult, error) {
		res.Err = &RecordError{Index: index, ID: res.ID, Stage: stage, Err: err}
		return res, nil
	}

	decision, err := p.Validator.Validate(raw, now)
	if err != nil {
		return fail(StageValidate, err)
	}
	if decision.Opportunity.SourceRunID == nil && runID != "" {
		decision.Opportunity.SourceRunID = &runID
	}
	res.Decision = decision
	opp := decision.Opportunity

	if p.Store != nil || opts.CheckDuplicates {
		if _, err := dedup.ParseIdentifier(opp.ID); err != nil {
			return fail(StageIdentify, err)
		}
	}
	if opts.CheckDuplicates {
		if err := dedup.Precheck(opp); err != nil {
			return fail(StageDedup, err)
		}
	}

	if p.Store != nil {
		if err := p.Store.UpsertOpportunity(ctx, opp); err != nil {
			return res, fmt.Errorf("persist %s: %w", opp.ID, err)
		}
	}

	if opts.CheckDuplicates {
		resolution, err := p.Resolver.Resolve(ctx, &opp)
		if err != nil {
			if isRecordLevel(err) {
				return fail(StageDedup, err)
			}
			return res, fmt.Errorf("resolve %s: %w", opp.ID, err)
		}
		res.Resolution = &resolution
		res.Decision.Opportunity = opp
	}

	return res, nil
}

type recordJob struct {
	index    int
	raw      RawOpportunity
	opts     BatchOptions
	now      time.Time
	runID    string
	pipeline *Pipeline
	cancel   context.CancelFunc
}

type recordOutcome struct {
	index  int
	result RecordResult
	fatal  error
}

func (o *recordOutcome) Index() int      { return o.index }
func (o *recordOutcome) GetError() error { return o.fatal }

func (j *recordJob) Index() int { return j.index }

func (j *recordJob) Execute(ctx context.Context) worker.Result {
	if err := ctx.Err(); err != nil {
		return &recordOutcome{index: j.index, fatal: err}
	}
	res, err := j.pipeline.process(ctx, j.index, j.raw, j.opts, j.now, j.runID)
	if err != nil {
		j.cancel()
		return &recordOutcome{index: j.index, fatal: err}
	}
	return &recordOutcome{index: j.index, result: res}
}
