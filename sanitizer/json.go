package sanitizer

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/shadowheap/memsan"
)

// BuildStatsJson populates a json object with this runtime's current
// statistics and shadow layout.
func (s *Sanitizer) BuildStatsJson(json jwriter.ObjectState) {
	var stats memsan.DetailedStatistics
	stats.Clear()
	s.AddDetailedStatistics(&stats)

	json.Name("LiveAllocations").Int(stats.AllocationCount)
	json.Name("LiveBytes").Int(stats.AllocationBytes)
	json.Name("RedzoneBytes").Int(stats.RedzoneBytes)
	if stats.AllocationSizeMin != math.MaxInt {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	quarantineObj := json.Name("Quarantine").Object()
	quarantineObj.Name("Occupancy").Int(s.quarantine.Len())
	quarantineObj.Name("Capacity").Int(s.quarantine.Cap())
	quarantineObj.Name("RetainedBytes").Int(s.quarantine.Bytes())
	quarantineObj.End()

	shadowObj := json.Name("ShadowMapping").Object()
	s.mapping.FramesJson(shadowObj)
	shadowObj.End()
}

// PrintDetailedMap writes the full diagnostic state dump into writer.
func (s *Sanitizer) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	s.BuildStatsJson(objState)
}
