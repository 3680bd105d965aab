package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/david/opportunity-validator/internal/models"
)

type marking struct {
	outcome     models.DedupStatus
	conceptID   uuid.UUID
	primaryID   string
	fingerprint string
}

// MemoryStore is a process-local ConceptStore. Concepts live in a go-cache
// keyed by fingerprint; Add is the atomic add-if-absent that enforces one
// concept per fingerprint. It also keeps validated opportunities so a dry run
// can go through the full pipeline.
type MemoryStore struct {
	concepts *gocache.Cache

	mu            sync.Mutex
	marks         map[string]marking
	opportunities map[string]models.Opportunity

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		concepts:      gocache.New(gocache.NoExpiration, 0),
		marks:         make(map[string]marking),
		opportunities: make(map[string]models.Opportunity),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) FindConceptByFingerprint(ctx context.Context, fingerprint string) (*models.BusinessConcept, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := s.concepts.Get(fingerprint)
	if !ok {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *val.(*models.BusinessConcept)
	return &c, nil
}

func (s *MemoryStore) CreateConcept(ctx context.Context, fingerprint, primaryOpportunityID string) (*models.BusinessConcept, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	c := &models.BusinessConcept{
		ID:                   uuid.New(),
		Fingerprint:          fingerprint,
		PrimaryOpportunityID: primaryOpportunityID,
		SubmissionCount:      1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	out := *c
	if err := s.concepts.Add(fingerprint, c, gocache.NoExpiration); err != nil {
		return nil, ErrConceptExists
	}
	return &out, nil
}

// IncrementSubmissionCount bumps the concept's count, or returns
// ErrConceptNotFound.
func (s *MemoryStore) IncrementSubmissionCount(ctx context.Context, conceptID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conceptByIDLocked(conceptID)
	if err != nil {
		return err
	}
	c.SubmissionCount++
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) conceptByIDLocked(conceptID uuid.UUID) (*models.BusinessConcept, error) {
	for _, item := range s.concepts.Items() {
		if c := item.Object.(*models.BusinessConcept); c.ID == conceptID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("concept %s: %w", conceptID, ErrConceptNotFound)
}

// MarkOpportunity records the dedup outcome and reports whether it changed.
func (s *MemoryStore) MarkOpportunity(ctx context.Context, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	next := marking{outcome: outcome, conceptID: conceptID, primaryID: primaryOpportunityID, fingerprint: fingerprint}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.markingChangedLocked(opportunityID, next) {
		return false, nil
	}
	s.setMarkingLocked(opportunityID, next)
	return true, nil
}

// ApplyResolution marks the opportunity and, for a changed duplicate marking,
// counts the submission. Both happen under one lock, and the concept is
// looked up before anything is written.
func (s *MemoryStore) ApplyResolution(ctx context.Context, opportunityID string, outcome models.DedupStatus, conceptID uuid.UUID, primaryOpportunityID, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	next := marking{outcome: outcome, conceptID: conceptID, primaryID: primaryOpportunityID, fingerprint: fingerprint}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.markingChangedLocked(opportunityID, next) {
		return false, nil
	}
	var concept *models.BusinessConcept
	if outcome == models.DedupDuplicate {
		c, err := s.conceptByIDLocked(conceptID)
		if err != nil {
			return false, err
		}
		concept = c
	}
	s.setMarkingLocked(opportunityID, next)
	if concept != nil {
		concept.SubmissionCount++
		concept.UpdatedAt = s.now()
	}
	return true, nil
}

func (s *MemoryStore) markingChangedLocked(opportunityID string, next marking) bool {
	prev, ok := s.marks[opportunityID]
	return !ok || prev != next
}

func (s *MemoryStore) setMarkingLocked(opportunityID string, next marking) {
	s.marks[opportunityID] = next
	if opp, ok := s.opportunities[opportunityID]; ok {
		applyMarking(&opp, next)
		s.opportunities[opportunityID] = opp
	}
}

// UpsertOpportunity stores opp by id, keeping any dedup marking and the
// first disqualification audit already recorded.
func (s *MemoryStore) UpsertOpportunity(ctx context.Context, opp models.Opportunity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := opp.ID
	if parsed, err := uuid.Parse(opp.ID); err == nil {
		key = parsed.String()
		opp.ID = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if prev, ok := s.opportunities[key]; ok {
		opp.CreatedAt = prev.CreatedAt
		if prev.Audit != nil {
			opp.Audit = prev.Audit
		}
	} else {
		opp.CreatedAt = now
	}
	opp.UpdatedAt = now
	opp.CoreFunctions = append([]string(nil), opp.CoreFunctions...)
	opp.DimensionScores = opp.DimensionScores.Clone()

	if m, ok := s.marks[key]; ok {
		applyMarking(&opp, m)
	}
	s.opportunities[key] = opp
	return nil
}

// Opportunity returns a stored opportunity by id.
func (s *MemoryStore) Opportunity(id string) (models.Opportunity, bool) {
	if parsed, err := uuid.Parse(id); err == nil {
		id = parsed.String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	opp, ok := s.opportunities[id]
	return opp, ok
}

// Concepts returns every concept ordered by creation time.
func (s *MemoryStore) Concepts() []models.BusinessConcept {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.concepts.Items()
	out := make([]models.BusinessConcept, 0, len(items))
	for _, item := range items {
		out = append(out, *item.Object.(*models.BusinessConcept))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func applyMarking(opp *models.Opportunity, m marking) {
	conceptID := m.conceptID
	opp.DedupStatus = m.outcome
	opp.ConceptID = &conceptID
	opp.PrimaryOpportunityID = m.primaryID
	opp.Fingerprint = m.fingerprint
}
