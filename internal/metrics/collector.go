package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tastythames/probe-deployer/internal/cache"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/pipeline"
	"github.com/tastythames/probe-deployer/internal/scheduler"
)

// Source is the part of a coordinator the collector reads.
type Source interface {
	Status() pipeline.Status
	Jobs(stage string) []*job.Job
	StageStats() map[string]scheduler.Stats
}

var (
	stages   = []string{pipeline.StageDownload, pipeline.StageTransfer, pipeline.StageInstall}
	states   = []pipeline.State{pipeline.NotStarted, pipeline.Downloading, pipeline.Transferring, pipeline.Installing, pipeline.Finished, pipeline.Stopped}
	statuses = []job.Status{job.Pending, job.InProgress, job.Completed, job.Error, job.Stopped}
)

// Collector renders run, job and device metrics on every scrape. Nothing is
// stored between scrapes.
type Collector struct {
	Source Source
	Cache  cache.Cache

	up             *prometheus.Desc
	runState       *prometheus.Desc
	devices        *prometheus.Desc
	completed      *prometheus.Desc
	successful     *prometheus.Desc
	jobs           *prometheus.Desc
	jobProgress    *prometheus.Desc
	stageActive    *prometheus.Desc
	stageAdmitted  *prometheus.Desc
	stageSkipped   *prometheus.Desc
	deviceDeployed *prometheus.Desc
	deviceDuration *prometheus.Desc
	deviceAge      *prometheus.Desc
	collectTime    *prometheus.Desc
}

func NewCollector(src Source, c cache.Cache) *Collector {
	deviceLabels := []string{"address", "alias", "platform", "format"}
	return &Collector{
		Source: src,
		Cache:  c,

		up:             prometheus.NewDesc(MetricUp, "1 if the deployer process is running.", nil, nil),
		runState:       prometheus.NewDesc(MetricRunState, "1 for the current state of the run.", []string{"run", "state"}, nil),
		devices:        prometheus.NewDesc(MetricDevices, "Devices selected for the run.", nil, nil),
		completed:      prometheus.NewDesc(MetricDevicesCompleted, "Devices whose install finished or was skipped.", nil, nil),
		successful:     prometheus.NewDesc(MetricDevicesSuccessful, "Devices deployed successfully.", nil, nil),
		jobs:           prometheus.NewDesc(MetricJobs, "Jobs per stage and status.", []string{"stage", "status"}, nil),
		jobProgress:    prometheus.NewDesc(MetricJobProgress, "Progress of each job in percent.", []string{"stage", "job", "address"}, nil),
		stageActive:    prometheus.NewDesc(MetricStageActive, "Workers active when the stage finished.", []string{"stage"}, nil),
		stageAdmitted:  prometheus.NewDesc(MetricStageAdmitted, "Jobs admitted by the stage executor.", []string{"stage"}, nil),
		stageSkipped:   prometheus.NewDesc(MetricStageSkipped, "Jobs skipped at admission.", []string{"stage"}, nil),
		deviceDeployed: prometheus.NewDesc(MetricDeviceDeployed, "1 if the last deployment to the device succeeded.", deviceLabels, nil),
		deviceDuration: prometheus.NewDesc(MetricDeviceDuration, "Duration of the last install on the device.", deviceLabels, nil),
		deviceAge:      prometheus.NewDesc(MetricDeviceAge, "Age of the last recorded device result.", deviceLabels, nil),
		collectTime:    prometheus.NewDesc(MetricCollectDuration, "Time spent collecting these metrics.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.runState, c.devices, c.completed, c.successful, c.jobs, c.jobProgress,
		c.stageActive, c.stageAdmitted, c.stageSkipped,
		c.deviceDeployed, c.deviceDuration, c.deviceAge, c.collectTime,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	start := time.Now()
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	if c.Source != nil {
		c.collectRun(ch)
	}
	if c.Cache != nil {
		c.collectDevices(ch, start)
	}

	ch <- prometheus.MustNewConstMetric(c.collectTime, prometheus.GaugeValue, time.Since(start).Seconds())
}

func (c *Collector) collectRun(ch chan<- prometheus.Metric) {
	st := c.Source.Status()
	for _, s := range states {
		v := 0.0
		if s == st.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.runState, prometheus.GaugeValue, v, st.RunID, s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(st.Total))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.GaugeValue, float64(st.Completed))
	ch <- prometheus.MustNewConstMetric(c.successful, prometheus.GaugeValue, float64(st.Successful))

	for _, stage := range stages {
		counts := make(map[job.Status]int, len(statuses))
		for _, j := range c.Source.Jobs(stage) {
			snap := j.Snapshot()
			counts[snap.Status]++
			ch <- prometheus.MustNewConstMetric(c.jobProgress, prometheus.GaugeValue, snap.Progress, stage, snap.Device, snap.Address)
		}
		for _, s := range statuses {
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts[s]), stage, s.String())
		}
	}

	for stage, s := range c.Source.StageStats() {
		ch <- prometheus.MustNewConstMetric(c.stageActive, prometheus.GaugeValue, float64(s.Active), stage)
		ch <- prometheus.MustNewConstMetric(c.stageAdmitted, prometheus.CounterValue, float64(s.Admitted), stage)
		ch <- prometheus.MustNewConstMetric(c.stageSkipped, prometheus.CounterValue, float64(s.Skipped), stage)
	}
}

func (c *Collector) collectDevices(ch chan<- prometheus.Metric, now time.Time) {
	snap := c.Cache.Snapshot()
	for _, addr := range cache.Addresses(snap) {
		r := snap[addr]
		labels := []string{addr, r.Alias, r.Platform, r.Format}

		deployed := 0.0
		if r.Succeeded() {
			deployed = 1
		}
		ch <- prometheus.MustNewConstMetric(c.deviceDeployed, prometheus.GaugeValue, deployed, labels...)
		ch <- prometheus.MustNewConstMetric(c.deviceDuration, prometheus.GaugeValue, r.Duration.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.deviceAge, prometheus.GaugeValue, now.Sub(r.At).Seconds(), labels...)
	}
}
