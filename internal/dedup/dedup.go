// Package dedup remembers recently processed webhook deliveries so that CRM
// bursts and retries are handled once.
package dedup

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Store claims dedup keys for a fixed window.
type Store interface {
	// Claim records key and reports true when it was not already held.
	Claim(ctx context.Context, key string) (bool, error)
	// Seen reports whether key is currently held, without claiming it.
	Seen(ctx context.Context, key string) (bool, error)
}

// Key builds "<prefix>_<sorted ids>_<unix minute>". An empty id list yields "unknown".
func Key(prefix string, ids []int64, at time.Time) string {
	return prefix + "_" + joinIDs(ids) + "_" + strconv.FormatInt(MinuteBucket(at), 10)
}

func MinuteBucket(at time.Time) int64 {
	return at.Unix() / 60
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "unknown"
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
