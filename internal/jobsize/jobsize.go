// Package jobsize derives per-job data-weight and job-count targets from
// input statistics and the user's operation spec. Downstream planners slice
// input chunks against these constraints.
package jobsize

import (
	"math"
)

// Options carries operation-type defaults; merge/partition/sort variants
// differ only in these constants.
type Options struct {
	DataWeightPerJob              int64
	MaxDataWeightPerJob           int64
	MaxJobCount                   int
	MaxOutputTablesTimesJobsCount int
	IOBlockSize                   int64
	MaxTotalSliceCount            int64
}

// DefaultUserOptions are the defaults of the user-operation variant.
func DefaultUserOptions() Options {
	return Options{
		DataWeightPerJob:              256 << 20,
		MaxDataWeightPerJob:           200 << 30,
		MaxJobCount:                   100000,
		MaxOutputTablesTimesJobsCount: 2000000,
		IOBlockSize:                   1 << 20,
		MaxTotalSliceCount:            10000000,
	}
}

// Spec is the user-provided part of the constraints.
type Spec struct {
	JobCount         int   // 0 = unset
	DataWeightPerJob int64 // 0 = unset
	MaxJobCount      int   // 0 = unset
	SamplingRate     float64
}

// InputStatistics summarizes the operation's input tables.
type InputStatistics struct {
	DataWeight        int64
	PrimaryDataWeight int64
	RowCount          int64
	InputTableCount   int
	OutputTableCount  int
	DataWeightRatio   float64
	CompressionRatio  float64
}

// Constraints is the derived sizing.
type Constraints struct {
	JobCount                int
	DataWeightPerJob        int64
	PrimaryDataWeightPerJob int64
	SamplingDataWeightPerJob int64
	SamplingEnabled         bool
}

// foreignRatioThreshold separates mostly-primary inputs from foreign-heavy
// ones when choosing the job count base.
const foreignRatioThreshold = 0.2

// ForUserOperation derives constraints for a user operation.
func ForUserOperation(spec Spec, stats InputStatistics, options Options) Constraints {
	input := stats.DataWeight
	primary := stats.PrimaryDataWeight
	rowCount := stats.RowCount

	var samplingDataWeightPerJob int64
	samplingEnabled := spec.SamplingRate > 0 && spec.SamplingRate < 1
	if samplingEnabled {
		input = int64(float64(input) * spec.SamplingRate)
		primary = int64(float64(primary) * spec.SamplingRate)
		rowCount = int64(float64(rowCount) * spec.SamplingRate)
		samplingDataWeightPerJob = samplingJobWeight(spec, stats, options)
	}

	dataWeightPerJob := options.DataWeightPerJob
	if spec.DataWeightPerJob > 0 {
		dataWeightPerJob = spec.DataWeightPerJob
		if stats.DataWeightRatio > 0 && stats.DataWeightRatio < 1 {
			// The input is smaller than its nominal weight; scale the quota
			// so jobs still see the intended volume of raw data.
			dataWeightPerJob = int64(float64(dataWeightPerJob) * stats.DataWeightRatio)
			if dataWeightPerJob == 0 {
				dataWeightPerJob = 1
			}
		}
	}

	var jobCount int
	switch {
	case spec.JobCount > 0:
		jobCount = spec.JobCount
	case input == 0:
		jobCount = 0
	default:
		foreign := float64(input-primary) / math.Max(float64(primary), 1)
		if primary > 0 && foreign < foreignRatioThreshold {
			byPrimary := ceilDiv(primary, dataWeightPerJob)
			byCap := ceilDiv(input, maxInt64(ceilDiv(options.MaxDataWeightPerJob, 2), 1))
			jobCount = int(maxInt64(byPrimary, byCap))
		} else {
			jobCount = int(ceilDiv(input, dataWeightPerJob))
		}
	}

	jobCount = clampJobCount(jobCount, spec, stats, options, rowCount)

	primaryPerJob := dataWeightPerJob
	if jobCount > 0 && primary > 0 {
		primaryPerJob = maxInt64(ceilDiv(primary, int64(jobCount)), 1)
	}

	return Constraints{
		JobCount:                 jobCount,
		DataWeightPerJob:         dataWeightPerJob,
		PrimaryDataWeightPerJob:  primaryPerJob,
		SamplingDataWeightPerJob: samplingDataWeightPerJob,
		SamplingEnabled:          samplingEnabled,
	}
}

// clampJobCount applies the hard ceilings.
func clampJobCount(jobCount int, spec Spec, stats InputStatistics, options Options, rowCount int64) int {
	if jobCount <= 0 {
		return jobCount
	}
	limit := int64(options.MaxJobCount)
	if spec.MaxJobCount > 0 && int64(spec.MaxJobCount) < limit {
		limit = int64(spec.MaxJobCount)
	}
	if rowCount > 0 && rowCount < limit {
		limit = rowCount
	}
	if stats.OutputTableCount > 0 {
		byOutput := ceilDiv(int64(options.MaxOutputTablesTimesJobsCount), int64(stats.OutputTableCount))
		if byOutput < limit {
			limit = byOutput
		}
	}
	if int64(jobCount) > limit {
		return int(limit)
	}
	return jobCount
}

// samplingJobWeight computes the per-job weight under sampling: each job
// must read enough bytes for IO efficiency without exploding the total
// slice count.
func samplingJobWeight(spec Spec, stats InputStatistics, options Options) int64 {
	// (a) every job reads at least one IO block per input table.
	byIO := int64(float64(int64(stats.InputTableCount)*options.IOBlockSize) / math.Max(spec.SamplingRate, 1e-9))
	// (b) the total slice count stays bounded.
	bySlices := int64(1)
	if options.MaxTotalSliceCount > 0 {
		bySlices = ceilDiv(stats.DataWeight, options.MaxTotalSliceCount)
	}
	weight := maxInt64(byIO, bySlices)
	if spec.DataWeightPerJob > 0 && spec.DataWeightPerJob > weight {
		weight = spec.DataWeightPerJob
	}
	if weight <= 0 {
		weight = options.DataWeightPerJob
	}
	return weight
}

// ForMerge derives constraints for merge operations: same rules with merge
// constants.
func ForMerge(spec Spec, stats InputStatistics) Constraints {
	options := DefaultUserOptions()
	options.DataWeightPerJob = 1 << 30
	options.MaxJobCount = 20000
	return ForUserOperation(spec, stats, options)
}

// ForSort derives constraints for sort operations.
func ForSort(spec Spec, stats InputStatistics) Constraints {
	options := DefaultUserOptions()
	options.DataWeightPerJob = 2 << 30
	options.MaxJobCount = 50000
	return ForUserOperation(spec, stats, options)
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
