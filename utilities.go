package valk

import (
	"strconv"
	"strings"
)

// returnRangeInt32 converts a string like 0-4,6-7 to [0,1,2,3,4,6,7]. Values
// outside [0, max) and duplicates are dropped.
func returnRangeInt32(rangeString string, max int32) (result []int32) {
	seen := make(map[int32]bool)

	add := func(i int32) {
		if 0 <= i && i < max && !seen[i] {
			seen[i] = true
			result = append(result, i)
		}
	}

	for _, split := range strings.Split(rangeString, ",") {
		split = strings.TrimSpace(split)
		if split == "" {
			continue
		}

		low, high, isRange := strings.Cut(split, "-")
		if !isRange {
			high = low
		}

		lo, err := strconv.Atoi(strings.TrimSpace(low))
		if err != nil {
			continue
		}

		hi, err := strconv.Atoi(strings.TrimSpace(high))
		if err != nil {
			continue
		}

		for i := lo; i <= hi; i++ {
			add(int32(i))
		}
	}

	return result
}

// shardIDs returns the shards to run. An empty range selects every shard.
func shardIDs(rangeString string, shardCount int32) []int32 {
	if strings.TrimSpace(rangeString) == "" {
		ids := make([]int32, shardCount)
		for i := range ids {
			ids[i] = int32(i)
		}

		return ids
	}

	return returnRangeInt32(rangeString, shardCount)
}

// identifyDelays spaces identifies so each concurrency bucket, selected by
// shard id modulo maxConcurrency, identifies once per interval.
func identifyDelays(ids []int32, maxConcurrency int32, interval int64) []int64 {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	position := make(map[int32]int64)
	delays := make([]int64, len(ids))

	for i, id := range ids {
		bucket := id % maxConcurrency
		delays[i] = position[bucket] * interval
		position[bucket]++
	}

	return delays
}
