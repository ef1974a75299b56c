package eventlog

import (
	"sort"
	"strings"
	"time"
)

// AssetKey identifies an asset. Segments are separated by '/' so keys form
// a path hierarchy, e.g. "warehouse/users". Keys are comparable and usable
// as map keys.
type AssetKey string

// Segments splits the key into its path segments.
func (k AssetKey) Segments() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), "/")
}

// HasPrefix reports whether prefix matches k on segment boundaries: the
// prefix "warehouse/us" matches "warehouse/us/east" but not
// "warehouse/users". An empty prefix matches every key.
func (k AssetKey) HasPrefix(prefix AssetKey) bool {
	if prefix == "" || k == prefix {
		return true
	}
	return strings.HasPrefix(string(k), string(prefix)+"/")
}

// AssetEntry is the derived index state for one asset.
type AssetEntry struct {
	// Key identifies the asset.
	Key AssetKey `json:"key"`

	// LastMaterialization is the most recent asset.materialized entry,
	// nil when the asset has been wiped and not rematerialized.
	LastMaterialization *Entry `json:"last_materialization,omitempty"`

	// LastMaterializationID is the storage id of that entry.
	LastMaterializationID int64 `json:"last_materialization_id,omitempty"`

	// LastRunID is the run that produced the latest materialization.
	LastRunID string `json:"last_run_id,omitempty"`

	// WipedAt records the most recent wipe. Materializations stamped at
	// or before this time stay invisible to reads and to reindexing.
	WipedAt *time.Time `json:"wiped_at,omitempty"`
}

// AssetRecord pairs an AssetEntry with its index row id.
type AssetRecord struct {
	StorageID int64      `json:"storage_id"`
	Entry     AssetEntry `json:"entry"`
}

// FilterAssetKeys applies the canonical asset listing semantics shared by
// backends without a native key index: lexicographic order by string form,
// segment-boundary prefix filter, skip past the cursor key, truncate to
// limit. A zero limit means unlimited.
func FilterAssetKeys(keys []AssetKey, prefix AssetKey, limit int, cursor AssetKey) []AssetKey {
	out := make([]AssetKey, 0, len(keys))
	for _, k := range keys {
		if k.HasPrefix(prefix) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if cursor != "" {
		i := sort.Search(len(out), func(i int) bool { return out[i] > cursor })
		out = out[i:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
