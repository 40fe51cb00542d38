// Package authz answers the single authorization question the billing
// subsystem asks: may this member mutate this chapter's billing data?
// Role assignment itself lives outside the subsystem.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer is the permission collaborator consumed by billing services.
type Authorizer interface {
	CanManageChapter(ctx context.Context, actorID, chapterID int64) (bool, error)
}

// CanManageChapterRole reports whether a chapter role may mutate billing data.
func CanManageChapterRole(chapterRole string) bool {
	switch strings.ToLower(strings.TrimSpace(chapterRole)) {
	case "treasurer", "admin", "president":
		return true
	}
	return false
}

// Repository implements Authorizer over the chapter_officers table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CanManageChapter resolves the actor's role within the chapter and applies
// the role policy. Members without an officer row are denied, not errored.
func (r *Repository) CanManageChapter(ctx context.Context, actorID, chapterID int64) (bool, error) {
	if actorID == 0 || chapterID == 0 {
		return false, nil
	}
	const query = `SELECT role FROM chapter_officers WHERE chapter_id = $1 AND member_id = $2`
	var role string
	err := r.pool.QueryRow(ctx, query, chapterID, actorID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authz: resolve chapter role: %w", err)
	}
	return CanManageChapterRole(role), nil
}
