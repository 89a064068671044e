package pool

import "github.com/prometheus/client_golang/prometheus"

// Collector 在每次抓取时导出 Manager 中各池的运行状态。
type Collector struct {
	mgr      *Manager
	running  *prometheus.Desc
	capacity *prometheus.Desc
	waiting  *prometheus.Desc
	tasks    *prometheus.Desc
	panics   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for mgr under namespace_pool_*.
func NewCollector(namespace string, mgr *Manager) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "pool", n) }
	labels := []string{"pool"}
	return &Collector{
		mgr:      mgr,
		running:  prometheus.NewDesc(name("running_workers"), "Workers currently executing a task.", labels, nil),
		capacity: prometheus.NewDesc(name("capacity"), "Maximum number of concurrent workers.", labels, nil),
		waiting:  prometheus.NewDesc(name("waiting_tasks"), "Tasks blocked waiting for a worker.", labels, nil),
		tasks:    prometheus.NewDesc(name("tasks_total"), "Tasks by final result.", []string{"pool", "result"}, nil),
		panics:   prometheus.NewDesc(name("panics_recovered_total"), "Task panics recovered by the pool.", labels, nil),
	}
}

// Describe 实现 prometheus.Collector。
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.capacity
	ch <- c.waiting
	ch <- c.tasks
	ch <- c.panics
}

// Collect 实现 prometheus.Collector。
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.mgr.Stats() {
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(info.Running), info.Name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(info.Capacity), info.Name)
		ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(info.Waiting), info.Name)
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(info.CompletedTasks), info.Name, "completed")
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(info.FailedTasks), info.Name, "failed")
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(info.RejectedTasks), info.Name, "rejected")
		ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(info.PanicRecovered), info.Name)
	}
}
