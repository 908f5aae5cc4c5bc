package schema

// Page slices items for a cursor-paginated list reply. The cursor is the key of
// the last item of the previous page; an empty cursor starts from the beginning
// and an unknown cursor yields an empty page. When limit is positive and more
// items remain, the returned nextCursor is the key of the last returned item.
func Page[T any](items []T, cursor string, limit int, key func(T) string) ([]T, string) {
	start := 0
	if cursor != "" {
		start = -1
		for i, item := range items {
			if key(item) == cursor {
				start = i + 1
				break
			}
		}
		if start == -1 {
			return []T{}, ""
		}
	}
	remainder := items[start:]
	if limit <= 0 || len(remainder) <= limit {
		page := make([]T, len(remainder))
		copy(page, remainder)
		return page, ""
	}
	page := make([]T, limit)
	copy(page, remainder[:limit])
	return page, key(page[limit-1])
}
