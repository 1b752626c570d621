package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSpawned, "jobsSpawned counter should be initialized")
	assert.NotNil(t, collector.jobsAssigned, "jobsAssigned counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.bindLatency, "bindLatency histogram should be initialized")
	assert.NotNil(t, collector.templateInstantiations, "templateInstantiations vec should be initialized")
	assert.NotNil(t, collector.templateCacheHits, "templateCacheHits vec should be initialized")
	assert.NotNil(t, collector.pdiEvictions, "pdiEvictions counter should be initialized")
	assert.NotNil(t, collector.pdiPinned, "pdiPinned gauge should be initialized")
	assert.NotNil(t, collector.rewindDuration, "rewindDuration histogram should be initialized")
	assert.NotNil(t, collector.workersLost, "workersLost counter should be initialized")
	assert.NotNil(t, collector.jobGraphSize, "jobGraphSize gauge should be initialized")
}

func TestJobLifecycleCountersDoNotPanic(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			collector.RecordSpawned()
			collector.RecordAssigned()
			collector.RecordCompleted()
		}
		collector.RecordFailed()
	})
}

func TestTemplateInstantiationLabelsByName(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordTemplateInstantiation("advect", false)
		collector.RecordTemplateInstantiation("advect", true)
		collector.RecordTemplateInstantiation("project", false)
	})
}

func TestGaugesAndHistogramsDoNotPanic(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.ObserveBindLatency(0.002)
		collector.RecordPDIEviction()
		collector.SetPDIPinned(3)
		collector.ObserveRewindDuration(1.5)
		collector.RecordWorkerLost()
		collector.SetJobGraphSize(42)
	})
}
