// Package ranges expands compact numeric range strings such as "2-5,9" into
// the list of integers they denote. It is used by cagekerneld's "cage kill"
// handler to let an operator target several cages in one admin command
// ("cage kill 2-5,9").
package ranges

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Split expands a comma-separated list of integers and integer ranges (e.g.
// "2-5,9,12-12") into a sorted, deduplicated list of ints. An empty input
// yields an empty, non-nil slice.
func Split(s string) ([]int, error) {
	dedup := make(map[int]bool)

	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			lo, hi, err := subrange(part)
			if err != nil {
				return nil, err
			}
			for n := lo; n <= hi; n++ {
				dedup[n] = true
			}
			continue
		}

		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid range element %q: %w", part, err)
		}
		dedup[n] = true
	}

	out := make([]int, 0, len(dedup))
	for n := range dedup {
		out = append(out, n)
	}
	sort.Ints(out)

	return out, nil
}

// Unsplit condenses a list of ints into the compact range form Split
// accepts, e.g. [2,3,4,5,9] -> "2-5,9".
func Unsplit(nums []int) string {
	if len(nums) == 0 {
		return ""
	}

	sorted := append([]int(nil), nums...)
	sort.Ints(sorted)

	var parts []string
	start, prev := sorted[0], sorted[0]

	flush := func(end int) {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}

	for _, n := range sorted[1:] {
		if n == prev {
			continue // duplicate
		}
		if n == prev+1 {
			prev = n
			continue
		}
		flush(prev)
		start, prev = n, n
	}
	flush(prev)

	return strings.Join(parts, ",")
}

func subrange(s string) (lo, hi int, err error) {
	limits := strings.SplitN(s, "-", 2)
	if len(limits) != 2 {
		return 0, 0, fmt.Errorf("invalid subrange %q", s)
	}

	lo, err = strconv.Atoi(limits[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subrange %q: %w", s, err)
	}
	hi, err = strconv.Atoi(limits[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subrange %q: %w", s, err)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("invalid subrange %q: min > max", s)
	}

	return lo, hi, nil
}
