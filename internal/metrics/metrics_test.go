package metrics

import (
	"testing"
	"time"
)

func TestRecordCollective(t *testing.T) {
	// Verify the exported helpers exist and don't panic
	RecordCollective("allreduce", 1024, time.Now())
	RecordCollective("reduce", 512, time.Now())
	RecordCollective("broadcast", 256, time.Now())
	RecordCollective("barrier", 0, time.Now())
}

func TestRecordStepMultiple(t *testing.T) {
	RecordStep(time.Now())
	RecordStep(time.Now().Add(-50 * time.Millisecond))
	RecordStep(time.Now().Add(-time.Second))

	// Counter should accumulate - just verify no panic
}

func TestReductionCounters(t *testing.T) {
	BucketFlushes.Inc()
	DirectReductions.Inc()
	TrainableRefreshes.Inc()
}

func TestScalerMetrics(t *testing.T) {
	ScalerOverflows.Inc()
	ScalerScale.Set(65536)
	ScalerScale.Set(32768) // gauge should update
}

func TestParityMetrics(t *testing.T) {
	ParityChecks.Inc()
	ParityFailures.WithLabelValues("param").Inc()
	ParityFailures.WithLabelValues("buffer").Inc()
	ParityMaxAbsDiff.Observe(0)
	ParityMaxAbsDiff.Observe(1e-6)
}

func TestTotalStepsAtomic(t *testing.T) {
	initial := TotalSteps()
	RecordStep(time.Now())
	after := TotalSteps()
	if after != initial+1 {
		t.Errorf("Expected TotalSteps to increment by 1, got %d -> %d", initial, after)
	}
}
