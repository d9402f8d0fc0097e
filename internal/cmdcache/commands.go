package cmdcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	cmdTaskProcessors = "core show taskprocessors"
	cmdChannelsCount  = "core show channels count"
)

// TaskProcessor is one row of "core show taskprocessors".
type TaskProcessor struct {
	Name      string `json:"name"`
	Processed uint64 `json:"processed"`
	InQueue   uint64 `json:"in_queue"`
	MaxDepth  uint64 `json:"max_depth"`
	LowWater  uint64 `json:"low_water"`
	HighWater uint64 `json:"high_water"`
}

// TaskProcessors returns the server's task processor queues.
func (c *Cache) TaskProcessors(ctx context.Context) ([]TaskProcessor, error) {
	lines, err := c.Get(ctx, cmdTaskProcessors)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmdTaskProcessors, err)
	}
	return ParseTaskProcessors(lines), nil
}

// ParseTaskProcessors parses "core show taskprocessors" output. Servers
// before 13.x print only the first three counters; the water marks are
// then zero. Header, footer and unparsable lines are skipped.
func ParseTaskProcessors(lines []string) []TaskProcessor {
	var out []TaskProcessor
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		var nums []uint64
		for _, f := range fields[1:] {
			n, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				break
			}
			nums = append(nums, n)
		}
		if len(nums) != 3 && len(nums) != 5 {
			continue
		}
		tp := TaskProcessor{
			Name:      fields[0],
			Processed: nums[0],
			InQueue:   nums[1],
			MaxDepth:  nums[2],
		}
		if len(nums) == 5 {
			tp.LowWater, tp.HighWater = nums[3], nums[4]
		}
		out = append(out, tp)
	}
	return out
}

// ChannelSummary is the output of "core show channels count".
type ChannelSummary struct {
	ActiveChannels int `json:"active_channels"`
	ActiveCalls    int `json:"active_calls"`
	CallsProcessed int `json:"calls_processed"`
}

// Channels returns the server's channel and call counts.
func (c *Cache) Channels(ctx context.Context) (ChannelSummary, error) {
	lines, err := c.Get(ctx, cmdChannelsCount)
	if err != nil {
		return ChannelSummary{}, fmt.Errorf("%s: %w", cmdChannelsCount, err)
	}
	return ParseChannelSummary(lines), nil
}

// ParseChannelSummary reads lines such as "3 active channels".
func ParseChannelSummary(lines []string) ChannelSummary {
	var s ChannelSummary
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		rest := strings.Join(fields[1:], " ")
		switch {
		case strings.HasPrefix(rest, "active channel"):
			s.ActiveChannels = n
		case strings.HasPrefix(rest, "active call"):
			s.ActiveCalls = n
		case strings.HasPrefix(rest, "call") && strings.Contains(rest, "processed"):
			s.CallsProcessed = n
		}
	}
	return s
}
