// Package grouping splits payout destinations into multi-send groups.
//
// A group never exceeds its capacity and never names the same destination
// twice. Items are scanned left to right and placed into the first group,
// in creation order, that still has room and does not yet hold the item's
// destination. When no such group exists a new one is opened.
package grouping

import "strings"

// Group partitions items into ordered groups using the destination returned by
// key. Destinations are compared case-sensitively after trimming whitespace.
// A non-positive capacity places every item into its own group.
func Group[T any](items []T, capacity int, key func(T) string) [][]T {
	if capacity <= 0 {
		capacity = 1
	}
	groups := make([][]T, 0, len(items)/capacity+1)
	members := make([]map[string]struct{}, 0, cap(groups))

	for _, item := range items {
		destination := strings.TrimSpace(key(item))
		placed := false
		for i := range groups {
			if len(groups[i]) >= capacity {
				continue
			}
			if _, taken := members[i][destination]; taken {
				continue
			}
			groups[i] = append(groups[i], item)
			members[i][destination] = struct{}{}
			placed = true
			break
		}
		if placed {
			continue
		}
		groups = append(groups, []T{item})
		members = append(members, map[string]struct{}{destination: {}})
	}
	return groups
}

// Capacity returns the group cap for an asset: nativeCap for the chain-native
// asset, tokenCap otherwise.
func Capacity(native bool, nativeCap, tokenCap int) int {
	if native {
		return nativeCap
	}
	return tokenCap
}
