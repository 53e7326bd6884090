package autoscaler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetAverageNoSamplesReturnsFalse(t *testing.T) {
	c := NewMetricCollector()
	_, ok := c.GetAverage("target1", "cpu", 60)
	require.False(t, ok)
}

func TestGetAverageComputesMean(t *testing.T) {
	c := NewMetricCollector()
	c.Record("target1", "cpu", 10)
	c.Record("target1", "cpu", 20)
	c.Record("target1", "cpu", 30)

	avg, ok := c.GetAverage("target1", "cpu", 60)
	require.True(t, ok)
	require.InDelta(t, 20.0, avg, 0.001)
}

func TestGetAverageIsolatesByMetricKey(t *testing.T) {
	c := NewMetricCollector()
	c.Record("target1", "cpu", 10)
	c.Record("target1", "mem", 1000)
	c.Record("target2", "cpu", 90)

	avg, ok := c.GetAverage("target1", "cpu", 60)
	require.True(t, ok)
	require.Equal(t, 10.0, avg)
}

func TestRecordEvictsOldestBeyondMaxSamples(t *testing.T) {
	c := NewMetricCollector()
	for i := 0; i < maxSamples+50; i++ {
		c.Record("target1", "cpu", float64(i))
	}
	c.mu.Lock()
	n := len(c.samples[metricKey{"target1", "cpu"}])
	c.mu.Unlock()
	require.Equal(t, maxSamples, n)
}

func TestGetP99ReturnsHighEndOfDistribution(t *testing.T) {
	c := NewMetricCollector()
	for i := 1; i <= 100; i++ {
		c.Record("target1", "latency", float64(i))
	}
	p99, ok := c.GetP99("target1", "latency", 60)
	require.True(t, ok)
	require.GreaterOrEqual(t, p99, 95.0)
}

func TestGetP99NoSamplesReturnsFalse(t *testing.T) {
	c := NewMetricCollector()
	_, ok := c.GetP99("target1", "latency", 60)
	require.False(t, ok)
}
