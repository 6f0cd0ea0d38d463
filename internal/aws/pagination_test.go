package aws

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCollectPages(t *testing.T) {
	pages := [][]int{{1, 2}, {3}, {4, 5, 6}}
	i := 0

	items, err := collectPages(
		context.Background(),
		func() bool { return i < len(pages) },
		func(ctx context.Context) ([]int, error) {
			page := pages[i]
			i++
			return page, nil
		},
		func(page []int) []int { return page },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("expected 6 items, got %d", len(items))
	}
	for want := 1; want <= 6; want++ {
		if items[want-1] != want {
			t.Errorf("item %d = %d, want %d", want-1, items[want-1], want)
		}
	}
}

func TestCollectPages_ErrorStops(t *testing.T) {
	calls := 0
	_, err := collectPages(
		context.Background(),
		func() bool { return true },
		func(ctx context.Context) ([]int, error) {
			calls++
			return nil, fmt.Errorf("throttled")
		},
		func(page []int) []int { return page },
	)
	if err == nil {
		t.Fatal("expected the page error surfaced")
	}
	if calls != 1 {
		t.Errorf("expected a single page fetch, got %d", calls)
	}
}

func TestCollectPages_CancelledContextStopsListing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := collectPages(
		ctx,
		func() bool { return true },
		func(ctx context.Context) ([]int, error) {
			calls++
			cancel()
			return []int{calls}, nil
		},
		func(page []int) []int { return page },
	)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected listing to stop after the cancelled page, got %d fetches", calls)
	}
}

func TestCollectPages_Empty(t *testing.T) {
	items, err := collectPages(
		context.Background(),
		func() bool { return false },
		func(ctx context.Context) ([]int, error) { return nil, nil },
		func(page []int) []int { return page },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items, got %v", items)
	}
}
