package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/memberly-app/memberly-billing/internal/platform/httpx"
)

// RepositoryPort defines data access methods for the settlement log.
type RepositoryPort interface {
	RecordSettlement(ctx context.Context, entry Entry) (bool, error)
	MarkRefunded(ctx context.Context, externalRef string) (bool, error)
	SumForChapter(ctx context.Context, chapterID int64, window Window) (decimal.Decimal, int, error)
	ListForChapter(ctx context.Context, chapterID int64, limit, offset int) ([]Entry, int, error)
}

// Service handles settlement log business logic.
type Service struct {
	repo   RepositoryPort
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, cache *Cache, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// RecordSettlement appends one settled monetary event, deduplicated by the
// external transaction reference.
func (s *Service) RecordSettlement(ctx context.Context, entry Entry) (bool, error) {
	if entry.ExternalRef == "" {
		return false, fmt.Errorf("ledger: external reference required: %w", httpx.ErrValidation)
	}
	if entry.Amount.IsNegative() {
		return false, fmt.Errorf("ledger: settlement amount must not be negative: %w", httpx.ErrValidation)
	}
	inserted, err := s.repo.RecordSettlement(ctx, entry)
	if err != nil {
		return false, err
	}
	if inserted {
		s.invalidate(ctx)
	}
	return inserted, nil
}

// MarkRefunded flips the matching entry to refunded.
func (s *Service) MarkRefunded(ctx context.Context, externalRef string) (bool, error) {
	if externalRef == "" {
		return false, fmt.Errorf("ledger: external reference required: %w", httpx.ErrValidation)
	}
	flipped, err := s.repo.MarkRefunded(ctx, externalRef)
	if err != nil {
		return false, err
	}
	if flipped {
		s.invalidate(ctx)
	}
	return flipped, nil
}

// BudgetSnapshot computes a chapter's settled total over the window. Results
// are cached; concurrent requests for the same snapshot are collapsed into a
// single aggregate query.
func (s *Service) BudgetSnapshot(ctx context.Context, chapterID int64, window Window) (*BudgetSnapshot, error) {
	key, err := s.cache.BuildKey(ctx, "billing:budget", strconv.FormatInt(chapterID, 10),
		window.From.UTC().Format(time.RFC3339), window.To.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	value, err, _ := s.group.Do(key, func() (any, error) {
		var snapshot BudgetSnapshot
		err := s.cache.FetchJSON(ctx, key, &snapshot, func(ctx context.Context) (any, error) {
			total, count, err := s.repo.SumForChapter(ctx, chapterID, window)
			if err != nil {
				return nil, err
			}
			return BudgetSnapshot{
				ChapterID:  chapterID,
				From:       window.From,
				To:         window.To,
				Total:      total,
				EntryCount: count,
				ComputedAt: s.now(),
			}, nil
		})
		if err != nil {
			return nil, err
		}
		return &snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*BudgetSnapshot), nil
}

// ListForChapter returns a page of ledger entries for auditing.
func (s *Service) ListForChapter(ctx context.Context, chapterID int64, limit, offset int) ([]Entry, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListForChapter(ctx, chapterID, limit, offset)
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil && s.logger != nil {
		s.logger.Warn("budget cache invalidation failed", slog.Any("error", err))
	}
}
