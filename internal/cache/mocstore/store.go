// Package mocstore persists finished MOCs in Redis keyed by build id.
package mocstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/mocgen/internal/cache/keys"
	"github.com/mohammed-shakir/mocgen/internal/cache/redisstore"
	"github.com/mohammed-shakir/mocgen/internal/core/observability"
	"github.com/mohammed-shakir/mocgen/internal/moc"
)

var ErrNotFound = errors.New("moc not found")

type Store struct {
	cli *redisstore.Client
	ttl time.Duration
}

func New(cli *redisstore.Client, ttl time.Duration) *Store {
	return &Store{cli: cli, ttl: ttl}
}

func (s *Store) Put(ctx context.Context, buildID string, set *moc.Set) error {
	raw, err := set.MarshalBinary()
	if err != nil {
		return fmt.Errorf("mocstore encode %s: %w", buildID, err)
	}
	if err := s.cli.Set(ctx, keys.MocKey(buildID), raw, s.ttl); err != nil {
		return fmt.Errorf("mocstore put %s: %w", buildID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, buildID string) (*moc.Set, error) {
	raw, found, err := s.cli.Get(ctx, keys.MocKey(buildID))
	if err != nil {
		return nil, fmt.Errorf("mocstore get %s: %w", buildID, err)
	}
	if !found {
		observability.IncStoreLookup("mocs", "miss")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, buildID)
	}
	observability.IncStoreLookup("mocs", "hit")
	var set moc.Set
	if err := set.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("mocstore decode %s: %w", buildID, err)
	}
	return &set, nil
}

func (s *Store) Delete(ctx context.Context, buildID string) error {
	if err := s.cli.Del(ctx, keys.MocKey(buildID)); err != nil {
		return fmt.Errorf("mocstore delete %s: %w", buildID, err)
	}
	return nil
}
