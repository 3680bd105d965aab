package dedup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/david/opportunity-validator/internal/models"
)

var (
	ErrInvalidIdentifier = errors.New("invalid opportunity identifier")
	ErrEmptyConcept      = errors.New("concept description is empty after normalization")
	// ErrConceptExists is returned by ConceptStore.CreateConcept when another
	// writer already owns the fingerprint.
	ErrConceptExists = errors.New("concept already exists for fingerprint")
	// ErrConceptNotFound is returned when a concept id names no stored concept.
	ErrConceptNotFound = errors.New("concept not found")
)

// ConceptStore is the persistence the resolver needs. Implementations must
// enforce at most one concept per fingerprint.
type ConceptStore interface {
	// FindConceptByFingerprint returns nil, nil when no concept exists.
	FindConceptByFingerprint(ctx context.Context, fingerprint string) (*models.BusinessConcept, error)
	// CreateConcept inserts a concept with submission_count 1, or returns
	// ErrConceptExists if the fingerprint is taken.
	CreateConcept(ctx context.Context, fingerprint, primaryOpportunityID string) (*models.BusinessConcept, error)
	// ApplyResolution records the dedup outcome on the opportunity and
	// reports whether the marking changed. When a duplicate marking changes,
	// the concept's submission_count is incremented in the same transaction:
	// on error neither write is kept, so a retry counts the submission once.
	// An unknown concept id fails with ErrConceptNotFound.
	ApplyResolution(ctx context.Context, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (bool, error)
}

// Resolution is the outcome of resolving one opportunity.
type Resolution struct {
	Outcome              models.DedupStatus
	Fingerprint          string
	ConceptID            uuid.UUID
	PrimaryOpportunityID string
	SubmissionCount      int
	CreatedConcept       bool
}

type Resolver struct {
	store ConceptStore
}

func NewResolver(store ConceptStore) *Resolver {
	return &Resolver{store: store}
}

// ParseIdentifier validates an opportunity id and returns its UUID form.
func ParseIdentifier(id string) (uuid.UUID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.Nil, fmt.Errorf("%w: empty id", ErrInvalidIdentifier)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return parsed, nil
}

// Precheck reports the record-level errors Resolve would return, without
// touching the store.
func Precheck(opp models.Opportunity) error {
	if _, err := ParseIdentifier(opp.ID); err != nil {
		return err
	}
	if Normalize(opp.ConceptDescription) == "" {
		return fmt.Errorf("%w (id=%s)", ErrEmptyConcept, opp.ID)
	}
	return nil
}

// Resolve maps opp onto its business concept, creating the concept when the
// fingerprint is new, and writes the marking back onto opp. Re-resolving the
// same opportunity leaves the store unchanged.
func (r *Resolver) Resolve(ctx context.Context, opp *models.Opportunity) (Resolution, error) {
	id, err := ParseIdentifier(opp.ID)
	if err != nil {
		return Resolution{}, err
	}
	oppID := id.String()

	normalized := Normalize(opp.ConceptDescription)
	if normalized == "" {
		return Resolution{}, fmt.Errorf("%w (id=%s)", ErrEmptyConcept, oppID)
	}
	fp := hashNormalized(normalized)

	concept, err := r.store.FindConceptByFingerprint(ctx, fp)
	if err != nil {
		return Resolution{}, fmt.Errorf("find concept %s: %w", fp, err)
	}

	created := false
	if concept == nil {
		concept, err = r.store.CreateConcept(ctx, fp, oppID)
		switch {
		case errors.Is(err, ErrConceptExists):
			// Lost the race; the winner's concept is authoritative.
			log.Printf("[dedup] concept %s created concurrently, re-reading", fp[:12])
			concept, err = r.store.FindConceptByFingerprint(ctx, fp)
			if err != nil {
				return Resolution{}, fmt.Errorf("re-read concept %s: %w", fp, err)
			}
			if concept == nil {
				return Resolution{}, fmt.Errorf("concept %s missing after conflict", fp)
			}
		case err != nil:
			return Resolution{}, fmt.Errorf("create concept %s: %w", fp, err)
		default:
			created = true
		}
	}

	outcome := models.DedupDuplicate
	if sameIdentifier(concept.PrimaryOpportunityID, oppID) {
		outcome = models.DedupUnique
	}

	changed, err := r.store.ApplyResolution(ctx, oppID, outcome, concept.ID, concept.PrimaryOpportunityID, fp)
	if err != nil {
		return Resolution{}, fmt.Errorf("apply resolution %s: %w", oppID, err)
	}
	if outcome == models.DedupDuplicate && changed {
		concept.SubmissionCount++
	}

	conceptID := concept.ID
	opp.Fingerprint = fp
	opp.DedupStatus = outcome
	opp.ConceptID = &conceptID
	opp.PrimaryOpportunityID = concept.PrimaryOpportunityID

	return Resolution{
		Outcome:              outcome,
		Fingerprint:          fp,
		ConceptID:            concept.ID,
		PrimaryOpportunityID: concept.PrimaryOpportunityID,
		SubmissionCount:      concept.SubmissionCount,
		CreatedConcept:       created,
	}, nil
}

func sameIdentifier(a, b string) bool {
	pa, errA := uuid.Parse(a)
	pb, errB := uuid.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return pa == pb
}
