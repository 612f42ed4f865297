// Package groundtruth answers authoritative confirmed-fraud lookups with a
// short-lived cache in front of the repository.
package groundtruth

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const cacheTTL = time.Minute

// Service implements domain.GroundTruthLookup over the repository with a
// cache layer. Only positive and negative lookups within the TTL are served
// from cache; a fresh confirmation becomes visible after at most one TTL.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a ground-truth lookup service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// HasConfirmedFraud reports whether ground truth confirms fraud for a subject.
func (s *Service) HasConfirmedFraud(ctx context.Context, subject domain.Subject) (bool, error) {
	key := "groundtruth:" + subject.Key()

	if s.cache != nil {
		if val, err := s.cache.Get(ctx, key); err == nil && val != nil {
			return string(val) == "1", nil
		}
	}

	confirmed, err := s.repo.HasConfirmedFraud(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("ground truth lookup failed: %w", err)
	}

	if s.cache != nil {
		val := []byte("0")
		if confirmed {
			val = []byte("1")
		}
		_ = s.cache.Set(ctx, key, val, cacheTTL)
	}

	return confirmed, nil
}

// Confirm records an authoritative fraud determination and invalidates the
// cached lookup so the new truth is visible immediately.
func (s *Service) Confirm(ctx context.Context, subject domain.Subject, source string) error {
	if err := s.repo.MarkConfirmedFraud(ctx, subject, source); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, "groundtruth:"+subject.Key())
	}
	return nil
}
