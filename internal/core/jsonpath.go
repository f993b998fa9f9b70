package core

import (
	"fmt"
	"strconv"
	"strings"
)

// walkJSONPath resolves a dotted path like ".stats.batches[0].count" against
// decoded JSON data. An empty path (or ".") returns the whole document.
func walkJSONPath(path string, root interface{}) (interface{}, error) {
	cur := root
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unterminated index", path)
			}
			idx, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("path %q: bad index: %w", path, err)
			}
			arr, ok := cur.([]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: indexed value is not an array", path)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("path %q: index %d out of range", path, idx)
			}
			cur = arr[idx]
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			key := path[i:j]
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: %q applied to a non-object", path, key)
			}
			cur, ok = m[key]
			if !ok {
				return nil, fmt.Errorf("path %q: key %q not found", path, key)
			}
			i = j
		}
	}
	return cur, nil
}
