package repository

import (
	"context"

	"github.com/lumenboard/asyncevents/internal/domain"
)

// UserRepository reads platform accounts for session validation.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}
