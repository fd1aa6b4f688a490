package meetup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
)

var ErrEmailTaken = errors.New("email already registered")

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateAccount registers a new account. passwordHash must already be
// hashed.
func (s *Service) CreateAccount(ctx context.Context, email, passwordHash string) (*types.Account, error) {
	now := types.Now()
	acc := &types.Account{
		Id:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	data, err := types.ToData(acc)
	if err != nil {
		return nil, err
	}

	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		existing, err := tx.List(ctx, types.UsersCollection, database.Query{Limit: 1}.WhereEqual("email", acc.Email))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return ErrEmailTaken
		}
		return tx.Create(ctx, types.UserPath(acc.Id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.log.Printf("account %s registered", acc.Id)
	return acc, nil
}

func (s *Service) AccountByEmail(ctx context.Context, email string) (*types.Account, error) {
	docs, err := s.store.List(ctx, types.UsersCollection, database.Query{Limit: 1}.WhereEqual("email", normalizeEmail(email)))
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("find account: %w", database.ErrNotFound)
	}
	return types.Decode[types.Account](docs[0])
}

func (s *Service) Account(ctx context.Context, userId string) (*types.Account, error) {
	doc, err := s.store.Get(ctx, types.UserPath(userId))
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userId, err)
	}
	return types.Decode[types.Account](doc)
}
