package audit

import "context"

// pageSize bounds a single read from a persistent sink.
const pageSize = 500

// pageFunc reads up to n records starting at cursor. It returns the entries
// decoded from them, how many records were read and the cursor that
// follows the last one.
type pageFunc func(ctx context.Context, cursor uint64, n int) (entries []Entry, read int, next uint64, err error)

// readPages collects up to limit entries, or all of them when limit <= 0.
func readPages(ctx context.Context, limit int, read pageFunc) ([]Entry, error) {
	var (
		entries []Entry
		cursor  uint64
	)
	for {
		n := pageSize
		if limit > 0 {
			remaining := limit - len(entries)
			if remaining <= 0 {
				break
			}
			if remaining < n {
				n = remaining
			}
		}

		page, count, next, err := read(ctx, cursor, n)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page...)
		if count < n {
			break
		}
		cursor = next
	}
	return entries, nil
}
