package capture

import (
	"sort"
	"strconv"
)

// sortedBuffers returns the buffers of ms ordered by numeric key, falling back
// to lexical order for keys that are not numbers.
func sortedBuffers(ms *MediaSourceRecord) []*SourceBufferRecord {
	if ms == nil {
		return nil
	}
	out := make([]*SourceBufferRecord, 0, len(ms.Buffers))
	for _, buf := range ms.Buffers {
		out = append(out, buf)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.Atoi(string(out[i].Key))
		b, errB := strconv.Atoi(string(out[j].Key))
		if errA == nil && errB == nil {
			return a < b
		}
		return out[i].Key < out[j].Key
	})
	return out
}
