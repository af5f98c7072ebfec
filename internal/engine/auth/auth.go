package auth

import (
	"context"
	"errors"
	"strings"

	"permitline/internal/domain"
	"permitline/internal/repo"
)

// Directory is the identity service the workflow consults.
type Directory interface {
	ResolveUser(ctx context.Context, email string) (domain.User, error)
	SearchUsers(ctx context.Context, term string) ([]domain.User, error)
	GroupMembers(ctx context.Context, group string) ([]domain.User, error)
	IsUserInGroup(ctx context.Context, group, email string) (bool, error)
}

// Service is the Directory backed by the record store.
type Service struct {
	Repo repo.Repo
	// SearchLimit caps people-picker results.
	SearchLimit int
}

// ResolveUser returns the directory entry for email, or a NotFoundError.
func (s Service) ResolveUser(ctx context.Context, email string) (domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.User{}, &domain.NotFoundError{Entity: "user", ID: email}
	}
	u, err := s.Repo.GetUserByEmail(ctx, nil, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, &domain.NotFoundError{Entity: "user", ID: email}
	}
	if err != nil {
		return domain.User{}, &domain.DependencyError{Op: "resolve user", Err: err}
	}
	return u, nil
}

func (s Service) SearchUsers(ctx context.Context, term string) ([]domain.User, error) {
	if strings.TrimSpace(term) == "" {
		return nil, nil
	}
	users, err := s.Repo.SearchUsers(ctx, term, s.SearchLimit)
	if err != nil {
		return nil, &domain.DependencyError{Op: "search users", Err: err}
	}
	return users, nil
}

func (s Service) GroupMembers(ctx context.Context, group string) ([]domain.User, error) {
	users, err := s.Repo.GroupMembers(ctx, group)
	if err != nil {
		return nil, &domain.DependencyError{Op: "group members", Err: err}
	}
	return users, nil
}

func (s Service) IsUserInGroup(ctx context.Context, group, email string) (bool, error) {
	if strings.TrimSpace(email) == "" || group == "" {
		return false, nil
	}
	ok, err := s.Repo.IsGroupMember(ctx, group, email)
	if err != nil {
		return false, &domain.DependencyError{Op: "group membership", Err: err}
	}
	return ok, nil
}

