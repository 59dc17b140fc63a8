// Package tilestore keeps NESTED probability maps in Redis as tiles and serves
// them back as a source.TileSet.
package tilestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mohammed-shakir/mocgen/internal/cache/keys"
	"github.com/mohammed-shakir/mocgen/internal/cache/redisstore"
	"github.com/mohammed-shakir/mocgen/internal/core/observability"
	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/source"
)

var (
	ErrMapNotFound = errors.New("map not found")
	ErrBadTile     = errors.New("bad tile encoding")
)

const (
	writeBatch = 256
	// readAhead is the number of consecutive tiles fetched per MGET.
	readAhead = 64
	// tiles below this file order are never read by the builder
	minStoredFileOrder = 3
)

// Meta describes a stored map.
type Meta struct {
	Name      string      `json:"name"`
	Order     int         `json:"order"`
	TileOrder int         `json:"tile_order"`
	Frame     frame.Frame `json:"frame"`
	Tiles     int         `json:"tiles"`
	StoredAt  time.Time   `json:"stored_at"`
}

func (m Meta) MaxFileOrder() int { return m.Order - m.TileOrder }

// MinFileOrder is the coarsest stored file order.
func (m Meta) MinFileOrder() int { return min(minStoredFileOrder, m.MaxFileOrder()) }

type Store struct {
	cli *redisstore.Client
	ttl time.Duration
}

// New returns a store writing keys with ttl; zero keeps them until replaced.
func New(cli *redisstore.Client, ttl time.Duration) *Store {
	return &Store{cli: cli, ttl: ttl}
}

// PutMap replaces any map stored under name with m. Every file order from
// min(3, max) up to the map's deepest one is written; blank tiles are skipped.
func (s *Store) PutMap(ctx context.Context, name string, m *source.HealpixMap) (Meta, error) {
	if keys.Name(name) == "" {
		return Meta{}, errors.New("tilestore: empty map name")
	}
	if err := s.DeleteMap(ctx, name); err != nil {
		return Meta{}, err
	}
	meta := Meta{Name: name, Order: m.Order(), TileOrder: m.TileOrder(), Frame: m.Frame(), StoredAt: time.Now().UTC()}

	batch := make(map[string][]byte, writeBatch)
	flush := func() error {
		if err := s.cli.SetMany(ctx, batch, s.ttl); err != nil {
			return fmt.Errorf("tilestore put %q: %w", name, err)
		}
		clear(batch)
		return nil
	}
	for fo := meta.MinFileOrder(); fo <= meta.MaxFileOrder(); fo++ {
		n := healpix.NumCells(fo)
		for idx := uint64(0); idx < n; idx++ {
			tile, err := m.TileAt(fo, idx)
			if err != nil {
				return Meta{}, err
			}
			if tile == nil {
				continue
			}
			batch[keys.TileKey(name, fo, idx)] = EncodeTile(tile)
			meta.Tiles++
			if len(batch) == writeBatch {
				if err := flush(); err != nil {
					return Meta{}, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return Meta{}, err
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, fmt.Errorf("tilestore encode meta: %w", err)
	}
	if err := s.cli.Set(ctx, keys.MapMetaKey(name), raw, s.ttl); err != nil {
		return Meta{}, fmt.Errorf("tilestore put meta %q: %w", name, err)
	}
	return meta, nil
}

func (s *Store) Meta(ctx context.Context, name string) (Meta, error) {
	raw, found, err := s.cli.Get(ctx, keys.MapMetaKey(name))
	if err != nil {
		return Meta{}, fmt.Errorf("tilestore meta %q: %w", name, err)
	}
	if !found {
		observability.IncStoreLookup("tiles", "miss")
		return Meta{}, fmt.Errorf("%w: %q", ErrMapNotFound, name)
	}
	observability.IncStoreLookup("tiles", "hit")
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("tilestore decode meta %q: %w", name, err)
	}
	return meta, nil
}

// DeleteMap removes the map descriptor and all of its tiles.
func (s *Store) DeleteMap(ctx context.Context, name string) error {
	if err := s.cli.Del(ctx, keys.MapMetaKey(name)); err != nil {
		return fmt.Errorf("tilestore delete %q: %w", name, err)
	}
	if _, err := s.cli.DelPrefix(ctx, keys.TilePrefix(name)); err != nil {
		return fmt.Errorf("tilestore delete %q: %w", name, err)
	}
	return nil
}

// Open returns a TileSet reading the named map.
func (s *Store) Open(ctx context.Context, name string) (*RemoteMap, error) {
	meta, err := s.Meta(ctx, name)
	if err != nil {
		return nil, err
	}
	return &RemoteMap{cli: s.cli, meta: meta}, nil
}

// OpenMap is Open behind the source.TileSet interface.
func (s *Store) OpenMap(ctx context.Context, name string) (source.TileSet, error) {
	rm, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return rm, nil
}

// RemoteMap reads tiles lazily, fetching runs of consecutive tiles at once.
// It is meant for a single builder goroutine.
type RemoteMap struct {
	cli  *redisstore.Client
	meta Meta

	cacheOrder int
	cacheFirst uint64
	cache      map[uint64][]byte
}

func (r *RemoteMap) Meta() Meta         { return r.meta }
func (r *RemoteMap) TileOrder() int     { return r.meta.TileOrder }
func (r *RemoteMap) MaxFileOrder() int  { return r.meta.MaxFileOrder() }
func (r *RemoteMap) Frame() frame.Frame { return r.meta.Frame }

func (r *RemoteMap) Tile(ctx context.Context, fileOrder int, index uint64) ([]float64, error) {
	if fileOrder < r.meta.MinFileOrder() || fileOrder > r.meta.MaxFileOrder() || index >= healpix.NumCells(fileOrder) {
		return nil, fmt.Errorf("%w: %d/%d", source.ErrTileOutOfRange, fileOrder, index)
	}
	if r.cache == nil || r.cacheOrder != fileOrder || index < r.cacheFirst || index >= r.cacheFirst+readAhead {
		if err := r.fill(ctx, fileOrder, index); err != nil {
			return nil, err
		}
	}
	raw, ok := r.cache[index]
	if !ok {
		return nil, nil
	}
	return DecodeTile(raw, 1<<(2*uint(r.meta.TileOrder)))
}

func (r *RemoteMap) fill(ctx context.Context, fileOrder int, first uint64) error {
	last := min(first+readAhead, healpix.NumCells(fileOrder))
	ks := make([]string, 0, last-first)
	for i := first; i < last; i++ {
		ks = append(ks, keys.TileKey(r.meta.Name, fileOrder, i))
	}
	raw, err := r.cli.MGet(ctx, ks)
	if err != nil {
		return fmt.Errorf("tilestore read %q: %w", r.meta.Name, err)
	}
	r.cache = make(map[uint64][]byte, len(raw))
	for i := first; i < last; i++ {
		if v, ok := raw[ks[i-first]]; ok {
			r.cache[i] = v
		}
	}
	r.cacheOrder, r.cacheFirst = fileOrder, first
	return nil
}

// EncodeTile writes values as little-endian float64.
func EncodeTile(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func DecodeTile(raw []byte, want int) ([]float64, error) {
	if len(raw) != 8*want {
		return nil, fmt.Errorf("%w: %d bytes for %d pixels", ErrBadTile, len(raw), want)
	}
	out := make([]float64, want)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}
