package memsan

import "math"

// Statistics is the coarse accounting shared by the shadow mapping, the
// quarantine and the heap wrapper. Producers add into an existing value so
// several subsystems can be summed into one report.
type Statistics struct {
	ShadowFrameCount int
	ShadowFrameBytes int
	AllocationCount  int
	AllocationBytes  int
}

func (s *Statistics) Clear() {
	s.ShadowFrameCount = 0
	s.ShadowFrameBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ShadowFrameCount += other.ShadowFrameCount
	s.ShadowFrameBytes += other.ShadowFrameBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	QuarantinedCount  int
	QuarantinedBytes  int
	RedzoneBytes      int
	AllocationSizeMin int
	AllocationSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.QuarantinedCount = 0
	s.QuarantinedBytes = 0
	s.RedzoneBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddQuarantined(size int) {
	s.QuarantinedCount++
	s.QuarantinedBytes += size
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.QuarantinedCount += other.QuarantinedCount
	s.QuarantinedBytes += other.QuarantinedBytes
	s.RedzoneBytes += other.RedzoneBytes

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
