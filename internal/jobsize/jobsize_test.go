package jobsize

import "testing"

func stats(input, primary, rows int64) InputStatistics {
	return InputStatistics{
		DataWeight:        input,
		PrimaryDataWeight: primary,
		RowCount:          rows,
		InputTableCount:   1,
		OutputTableCount:  1,
	}
}

func TestExplicitJobCountWins(t *testing.T) {
	c := ForUserOperation(Spec{JobCount: 7}, stats(1<<30, 1<<30, 1000), DefaultUserOptions())
	if c.JobCount != 7 {
		t.Fatalf("job count: want 7 got %d", c.JobCount)
	}
}

func TestDataWeightPerJobDerivesCount(t *testing.T) {
	c := ForUserOperation(
		Spec{DataWeightPerJob: 100},
		stats(1000, 1000, 1<<20),
		DefaultUserOptions(),
	)
	if c.JobCount != 10 {
		t.Fatalf("job count: want 10 got %d", c.JobCount)
	}
	if c.DataWeightPerJob != 100 {
		t.Fatalf("data weight per job: %d", c.DataWeightPerJob)
	}
}

func TestDataWeightRatioShrinksQuota(t *testing.T) {
	s := stats(1000, 1000, 1<<20)
	s.DataWeightRatio = 0.5
	c := ForUserOperation(Spec{DataWeightPerJob: 100}, s, DefaultUserOptions())
	if c.DataWeightPerJob != 50 {
		t.Fatalf("ratio-adjusted weight: want 50 got %d", c.DataWeightPerJob)
	}
	if c.JobCount != 20 {
		t.Fatalf("job count: want 20 got %d", c.JobCount)
	}
}

func TestForeignLightInputUsesPrimaryBase(t *testing.T) {
	// Foreign share below 20%: the count is based on primary weight.
	s := stats(1100, 1000, 1<<20)
	c := ForUserOperation(Spec{DataWeightPerJob: 100}, s, DefaultUserOptions())
	if c.JobCount != 10 {
		t.Fatalf("job count from primary: want 10 got %d", c.JobCount)
	}

	// Foreign-heavy input sizes on the whole weight.
	s = stats(2000, 1000, 1<<20)
	c = ForUserOperation(Spec{DataWeightPerJob: 100}, s, DefaultUserOptions())
	if c.JobCount != 20 {
		t.Fatalf("job count from input: want 20 got %d", c.JobCount)
	}
}

func TestRowCountClampsJobs(t *testing.T) {
	c := ForUserOperation(Spec{JobCount: 500}, stats(1<<30, 1<<30, 42), DefaultUserOptions())
	if c.JobCount != 42 {
		t.Fatalf("row clamp: want 42 got %d", c.JobCount)
	}
}

func TestSpecMaxJobCountClamps(t *testing.T) {
	c := ForUserOperation(Spec{JobCount: 500, MaxJobCount: 100}, stats(1<<30, 1<<30, 1<<20), DefaultUserOptions())
	if c.JobCount != 100 {
		t.Fatalf("spec clamp: want 100 got %d", c.JobCount)
	}
}

func TestOutputTableClamp(t *testing.T) {
	options := DefaultUserOptions()
	options.MaxOutputTablesTimesJobsCount = 100
	s := stats(1<<30, 1<<30, 1<<20)
	s.OutputTableCount = 10
	c := ForUserOperation(Spec{JobCount: 50}, s, options)
	if c.JobCount != 10 {
		t.Fatalf("output clamp: want 10 got %d", c.JobCount)
	}
}

func TestSamplingScalesInput(t *testing.T) {
	s := stats(1<<30, 1<<30, 1000000)
	c := ForUserOperation(Spec{DataWeightPerJob: 1 << 20, SamplingRate: 0.01}, s, DefaultUserOptions())
	if !c.SamplingEnabled {
		t.Fatal("sampling not enabled")
	}
	// 1% of 1GiB across 1MiB jobs: about 11 jobs.
	if c.JobCount < 5 || c.JobCount > 20 {
		t.Fatalf("sampled job count out of range: %d", c.JobCount)
	}
	if c.SamplingDataWeightPerJob <= 0 {
		t.Fatal("no sampling job weight derived")
	}
	// IO efficiency floor: at rate 0.01 each job must cover at least
	// tableCount*ioBlockSize/rate bytes of pre-sampling weight.
	min := int64(float64(DefaultUserOptions().IOBlockSize) / 0.01)
	if c.SamplingDataWeightPerJob < min {
		t.Fatalf("sampling weight %d below IO floor %d", c.SamplingDataWeightPerJob, min)
	}
}

func TestZeroInput(t *testing.T) {
	c := ForUserOperation(Spec{}, stats(0, 0, 0), DefaultUserOptions())
	if c.JobCount != 0 {
		t.Fatalf("zero input job count: %d", c.JobCount)
	}
}

func TestVariantConstantsDiffer(t *testing.T) {
	s := stats(10<<30, 10<<30, 1<<30)
	user := ForUserOperation(Spec{}, s, DefaultUserOptions())
	merge := ForMerge(Spec{}, s)
	sort := ForSort(Spec{}, s)
	if user.JobCount <= merge.JobCount || merge.JobCount <= sort.JobCount {
		t.Fatalf("variant ordering: user=%d merge=%d sort=%d",
			user.JobCount, merge.JobCount, sort.JobCount)
	}
}
