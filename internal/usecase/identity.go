package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"crm-agent/internal/domain"
)

// IdentityResolver maps an external key (phone number) to a stable user.
// Resolution is serialized per key; the store's conditional create covers
// concurrent resolvers in other processes.
type IdentityResolver struct {
	users  UserStore
	locks  *keyedMutex
	logger *slog.Logger
}

func NewIdentityResolver(users UserStore, logger *slog.Logger) (*IdentityResolver, error) {
	if users == nil {
		return nil, errors.New("usecase: user store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{users: users, locks: newKeyedMutex(), logger: logger}, nil
}

// Resolve returns the user for key, creating it on first contact.
func (r *IdentityResolver) Resolve(ctx context.Context, key string) (domain.User, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.User{}, false, newError(ErrorInvalidInput, "empty_external_key", nil)
	}

	unlock := r.locks.Lock("key:" + key)
	defer unlock()

	user, found, err := r.users.GetUserByKey(ctx, key)
	if err != nil {
		return domain.User{}, false, newError(ErrorStorageUnavailable, "user_lookup_failed", err)
	}
	if found {
		return user, false, nil
	}

	user, created, err := r.users.CreateUser(ctx, key)
	if err != nil {
		return domain.User{}, false, newError(ErrorStorageUnavailable, "user_create_failed", err)
	}
	if created {
		r.logger.Info("user created", "user_id", user.ID)
	}
	return user, created, nil
}
