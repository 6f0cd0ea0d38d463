package aws

import "context"

// collectPages walks an SDK paginator to exhaustion and flattens every page
// into one slice. The ctx error is checked between pages so a cancelled
// caller stops paying for API calls mid-listing.
func collectPages[Page any, Item any](
	ctx context.Context,
	hasMore func() bool,
	next func(context.Context) (Page, error),
	items func(Page) []Item,
) ([]Item, error) {
	var all []Item
	for hasMore() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := next(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, items(page)...)
	}
	return all, nil
}
