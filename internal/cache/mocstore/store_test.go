package mocstore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/mocgen/internal/cache/redisstore"
	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/moc"
)

func newMini(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return New(cli, time.Minute), mr
}

func TestPutGetDelete(t *testing.T) {
	s, mr := newMini(t)
	ctx := context.Background()

	set, _ := moc.New(frame.ICRS, 3, 9)
	if err := set.AddDisc(9, 83.6, 22.0, 0.5); err != nil {
		t.Fatalf("AddDisc: %v", err)
	}
	if err := s.Put(ctx, "b1", set); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(set.Cells(), got.Cells()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if got.MaxOrder() != 9 || got.Frame() != frame.ICRS {
		t.Fatalf("header: %d %v", got.MaxOrder(), got.Frame())
	}

	if err := s.Delete(ctx, "b1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	_ = s.Put(ctx, "b2", set)
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "b2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired moc: want ErrNotFound, got %v", err)
	}
}

func TestGet_CorruptValue(t *testing.T) {
	s, mr := newMini(t)
	_ = mr.Set("moc:build:bad", "garbage")
	if _, err := s.Get(context.Background(), "bad"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
