// Package listing computes paginated ListObjects views over a bucket's
// object enumeration.
package listing

import (
	"sort"
	"strings"

	"pseudos3/internal/storage"
)

// DefaultMaxKeys is the page size used when the client does not ask for one.
const DefaultMaxKeys = 1000

// Params selects a page of a listing.
type Params struct {
	Prefix    string
	Delimiter string

	// Marker is the V1 marker or the V2 continuation token. When set, the
	// listing resumes after the object with exactly this key, and is empty
	// when no such object exists.
	Marker string

	// StartAfter resumes after the first key strictly greater than it. It is
	// only consulted when Marker is empty.
	StartAfter string

	MaxKeys int
}

// Page is the result of a listing.
type Page struct {
	Contents       []storage.ObjectInfo
	CommonPrefixes []string
	IsTruncated    bool

	// NextMarker is the key of the last object in Contents when the page is
	// truncated, and empty otherwise.
	NextMarker string
}

// List applies, in order, the prefix filter, the marker, delimiter folding
// and the MaxKeys cut to objects. objects need not be sorted; they are
// ordered by key first. A negative MaxKeys means DefaultMaxKeys.
func List(objects []storage.ObjectInfo, p Params) Page {
	maxKeys := p.MaxKeys
	if maxKeys < 0 {
		maxKeys = DefaultMaxKeys
	}

	sorted := make([]storage.ObjectInfo, len(objects))
	copy(sorted, objects)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})

	filtered := filterPrefix(sorted, p.Prefix)

	switch {
	case p.Marker != "":
		filtered = afterMarker(filtered, p.Marker)
	case p.StartAfter != "":
		filtered = afterKey(filtered, p.StartAfter)
	}

	contents, prefixes := fold(filtered, p.Prefix, p.Delimiter)

	page := Page{
		Contents:       contents,
		CommonPrefixes: prefixes,
	}

	if len(contents) > maxKeys {
		page.Contents = contents[:maxKeys]
		page.IsTruncated = true
		if maxKeys > 0 {
			page.NextMarker = page.Contents[maxKeys-1].Key
		}
	}

	return page
}

func filterPrefix(objects []storage.ObjectInfo, prefix string) []storage.ObjectInfo {
	if prefix == "" {
		return objects
	}

	kept := make([]storage.ObjectInfo, 0, len(objects))
	for _, o := range objects {
		if strings.HasPrefix(o.Key, prefix) {
			kept = append(kept, o)
		}
	}
	return kept
}

// afterMarker drops everything up to and including the object whose key is
// marker. An unmatched marker yields nothing.
func afterMarker(objects []storage.ObjectInfo, marker string) []storage.ObjectInfo {
	for i, o := range objects {
		if o.Key == marker {
			return objects[i+1:]
		}
	}
	return nil
}

func afterKey(objects []storage.ObjectInfo, key string) []storage.ObjectInfo {
	i := sort.Search(len(objects), func(i int) bool {
		return objects[i].Key > key
	})
	return objects[i:]
}

// fold collapses every key that contains delimiter after prefix into the
// common prefix ending at the first such delimiter.
func fold(objects []storage.ObjectInfo, prefix string, delimiter string) ([]storage.ObjectInfo, []string) {
	if delimiter == "" {
		return objects, nil
	}

	contents := make([]storage.ObjectInfo, 0, len(objects))
	prefixes := make([]string, 0)
	seen := make(map[string]struct{})

	for _, o := range objects {
		rest := strings.TrimPrefix(o.Key, prefix)
		idx := strings.Index(rest, delimiter)
		if idx < 0 {
			contents = append(contents, o)
			continue
		}

		common := prefix + rest[:idx+len(delimiter)]
		if _, dup := seen[common]; dup {
			continue
		}
		seen[common] = struct{}{}
		prefixes = append(prefixes, common)
	}

	return contents, prefixes
}
