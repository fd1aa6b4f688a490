package hub

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
)

// ProfileLoader reads the profile of a user.
type ProfileLoader func(ctx context.Context, userId string) (*types.Profile, error)

// ProfileCache memoizes profile lookups by user id. Entries are only dropped
// by eviction; a changed profile is not seen until then.
type ProfileCache struct {
	cache *lru.Cache[string, *types.Profile]
	load  ProfileLoader
}

func NewProfileCache(size int, load ProfileLoader) (*ProfileCache, error) {
	cache, err := lru.New[string, *types.Profile](size)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	return &ProfileCache{cache: cache, load: load}, nil
}

// Get returns the cached profile of userId, loading it on a miss. Users
// without a profile yield nil and are looked up again next time.
func (c *ProfileCache) Get(ctx context.Context, userId string) (*types.Profile, error) {
	if p, ok := c.cache.Get(userId); ok {
		return p, nil
	}
	p, err := c.load(ctx, userId)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.cache.Add(userId, p)
	return p, nil
}

func (c *ProfileCache) Len() int {
	return c.cache.Len()
}
