// Package auth validates platform sessions and manages the async
// channel token carried by the events cookie.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"github.com/lumenboard/asyncevents/internal/domain"
	"github.com/lumenboard/asyncevents/internal/repository"
	"github.com/lumenboard/asyncevents/pkg/config"
	jwtpkg "github.com/lumenboard/asyncevents/pkg/jwt"
)

// minChannelSecretLen guards against weak HS256 signing keys.
const minChannelSecretLen = 32

var (
	// ErrInactiveUser rejects sessions of deactivated accounts.
	ErrInactiveUser = errors.New("auth: user inactive")
	// ErrInvalidChannelToken rejects unreadable or channel-less cookie tokens.
	ErrInvalidChannelToken = errors.New("auth: invalid channel token")
)

// Service validates sessions and issues channel tokens.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service. It refuses a channel signing secret
// shorter than 32 bytes.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) (Service, error) {
	if len(cfg.ChannelJWTSecret) < minChannelSecretLen {
		return Service{}, fmt.Errorf("auth: CHANNEL_JWT_SECRET must be at least %d bytes", minChannelSecretLen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Service{users: users, logger: logger, cfg: cfg}, nil
}

// Authorize validates a session bearer token and returns the principal.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.SessionJWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, ErrInactiveUser
	}
	return user, claims, nil
}

// ParseChannelToken extracts channel claims from a cookie token.
func (s Service) ParseChannelToken(token string) (*jwtpkg.ChannelClaims, error) {
	claims, err := jwtpkg.ParseChannel(token, s.cfg.ChannelJWTSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChannelToken, err)
	}
	if strings.TrimSpace(claims.Channel) == "" {
		return nil, ErrInvalidChannelToken
	}
	return claims, nil
}

// EnsureChannelToken returns the channel bound to an existing cookie
// token, or mints a fresh channel and token when the cookie is absent,
// unreadable, or bound to a different user. The issued flag tells the
// caller whether to set a new cookie.
func (s Service) EnsureChannelToken(existing, userID string) (string, string, bool, error) {
	if existing != "" {
		if claims, err := s.ParseChannelToken(existing); err == nil && claims.UserID == userID {
			return claims.Channel, existing, false, nil
		}
	}
	channel := uuid.NewString()
	token, err := jwtpkg.GenerateChannelToken(channel, userID, s.cfg.ChannelJWTSecret)
	if err != nil {
		return "", "", false, err
	}
	s.logger.Info("issued channel token", "user_id", userID, "channel", channel)
	return channel, token, true, nil
}
