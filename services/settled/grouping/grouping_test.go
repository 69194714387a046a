package grouping

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type dest struct {
	id      int
	address string
}

func addressOf(d dest) string { return d.address }

func uniqueDests(n int) []dest {
	out := make([]dest, n)
	for i := range out {
		out[i] = dest{id: i, address: fmt.Sprintf("addr-%d", i)}
	}
	return out
}

func sizes[T any](groups [][]T) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = len(g)
	}
	return out
}

func TestGroupRespectsTokenCap(t *testing.T) {
	groups := Group(uniqueDests(11), Capacity(false, 100, 10), addressOf)
	require.Equal(t, []int{10, 1}, sizes(groups))
}

func TestGroupRespectsNativeCap(t *testing.T) {
	groups := Group(uniqueDests(101), Capacity(true, 100, 10), addressOf)
	require.Equal(t, []int{100, 1}, sizes(groups))
}

func TestGroupSplitsRepeatedAddress(t *testing.T) {
	items := uniqueDests(11)
	items = append(items, dest{id: 99, address: items[3].address})

	groups := Group(items, 10, addressOf)
	require.Equal(t, []int{10, 2}, sizes(groups))
	for _, group := range groups {
		count := 0
		for _, item := range group {
			if item.address == items[3].address {
				count++
			}
		}
		require.Equal(t, 1, count)
	}
}

func TestGroupReusesEarlierGroupsFirst(t *testing.T) {
	items := []dest{{1, "A"}, {2, "A"}, {3, "A"}, {4, "B"}}

	groups := Group(items, 10, addressOf)
	require.Equal(t, []int{2, 1, 1}, sizes(groups))
	require.Equal(t, []dest{{1, "A"}, {4, "B"}}, groups[0])
	for _, group := range groups {
		seen := map[string]bool{}
		for _, item := range group {
			require.False(t, seen[item.address])
			seen[item.address] = true
		}
	}
}

func TestGroupEmpty(t *testing.T) {
	require.Empty(t, Group([]dest{}, 10, addressOf))
}
