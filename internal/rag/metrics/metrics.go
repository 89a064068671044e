// Package metrics 提供 RAG 服务的业务指标收集。
//
// Tracker 使用原子计数器记录查询和摄取结果，同时实现 prometheus.Collector，
// 由 /metrics 端点以 Prometheus 文本格式导出。
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome 是一次查询的结果分类。
type Outcome int

const (
	// OutcomeAnswered 生成了答案。
	OutcomeAnswered Outcome = iota
	// OutcomeNoResults 没有超过阈值的检索结果。
	OutcomeNoResults
	// OutcomeCached 命中查询缓存。
	OutcomeCached
	// OutcomeDegraded 生成失败，返回了降级答案。
	OutcomeDegraded
	// OutcomeFailed 查询返回错误。
	OutcomeFailed
)

// Successful 降级和失败之外的结果都计为成功。
func (o Outcome) Successful() bool {
	return o == OutcomeAnswered || o == OutcomeNoResults || o == OutcomeCached
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAnswered:
		return "answered"
	case OutcomeNoResults:
		return "no_results"
	case OutcomeCached:
		return "cached"
	case OutcomeDegraded:
		return "degraded"
	default:
		return "failed"
	}
}

var outcomes = []Outcome{OutcomeAnswered, OutcomeNoResults, OutcomeCached, OutcomeDegraded, OutcomeFailed}

// StateFunc 返回组件当前状态，用于导出熔断器等状态指标。
type StateFunc func() string

// Tracker 线程安全的 RAG 指标。
type Tracker struct {
	totalQueries      atomic.Uint64
	successfulQueries atomic.Uint64
	responseNanos     atomic.Int64
	byOutcome         [OutcomeFailed + 1]atomic.Uint64

	generationRetries atomic.Uint64

	documentsIngested atomic.Uint64
	documentsFailed   atomic.Uint64
	chunksIndexed     atomic.Uint64

	startTime time.Time

	mu     sync.RWMutex
	states map[string]StateFunc

	descs descriptors
}

type descriptors struct {
	queries       *prometheus.Desc
	successful    *prometheus.Desc
	responseTime  *prometheus.Desc
	successRate   *prometheus.Desc
	retries       *prometheus.Desc
	documents     *prometheus.Desc
	chunksIndexed *prometheus.Desc
	component     *prometheus.Desc
	uptime        *prometheus.Desc
}

// NewTracker 创建指标实例，namespace 为 Prometheus 指标前缀。
func NewTracker(namespace string) *Tracker {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "rag", n) }
	return &Tracker{
		startTime: time.Now(),
		states:    make(map[string]StateFunc),
		descs: descriptors{
			queries:       prometheus.NewDesc(name("queries_total"), "Queries processed, by outcome.", []string{"outcome"}, nil),
			successful:    prometheus.NewDesc(name("queries_successful_total"), "Queries answered without error or degradation.", nil, nil),
			responseTime:  prometheus.NewDesc(name("query_response_seconds_total"), "Cumulative query response time.", nil, nil),
			successRate:   prometheus.NewDesc(name("query_success_ratio"), "Successful queries divided by total queries.", nil, nil),
			retries:       prometheus.NewDesc(name("generation_retries_total"), "Generation attempts retried after a transient failure.", nil, nil),
			documents:     prometheus.NewDesc(name("documents_ingested_total"), "Documents that finished ingestion, by status.", []string{"status"}, nil),
			chunksIndexed: prometheus.NewDesc(name("chunks_indexed_total"), "Chunks written to the vector index.", nil, nil),
			component:     prometheus.NewDesc(name("component_state"), "Current state of a monitored component.", []string{"component", "state"}, nil),
			uptime:        prometheus.NewDesc(name("uptime_seconds"), "Seconds since the tracker was created.", nil, nil),
		},
	}
}

// RecordQuery 记录一次查询结果和耗时。
func (t *Tracker) RecordQuery(outcome Outcome, duration time.Duration) {
	t.totalQueries.Add(1)
	if outcome.Successful() {
		t.successfulQueries.Add(1)
	}
	if outcome >= 0 && int(outcome) < len(t.byOutcome) {
		t.byOutcome[outcome].Add(1)
	}
	t.responseNanos.Add(int64(duration))
}

// RecordGenerationRetry 记录一次生成重试。
func (t *Tracker) RecordGenerationRetry() {
	t.generationRetries.Add(1)
}

// RecordIngestion 记录一个文档的摄取结果。
func (t *Tracker) RecordIngestion(chunks int, err error) {
	if err != nil {
		t.documentsFailed.Add(1)
		return
	}
	t.documentsIngested.Add(1)
	t.chunksIndexed.Add(uint64(chunks))
}

// RegisterState 注册需要导出状态的组件。
func (t *Tracker) RegisterState(component string, fn StateFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[component] = fn
}

// SuccessRate 返回成功率，没有查询时为 0。
// RecordQuery 先增加总数，这里先读成功数，并发更新时结果不会超过 1。
func (t *Tracker) SuccessRate() float64 {
	successful := t.successfulQueries.Load()
	return successRate(successful, t.totalQueries.Load())
}

func successRate(successful, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return min(float64(successful)/float64(total), 1)
}

// AvgResponseTime 返回平均响应时间，没有查询时为 0。
func (t *Tracker) AvgResponseTime() time.Duration {
	total := t.totalQueries.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(t.responseNanos.Load() / int64(total))
}

// Snapshot 是某一时刻的指标快照。
type Snapshot struct {
	TotalQueries      uint64            `json:"total_queries"`
	SuccessfulQueries uint64            `json:"successful_queries"`
	SuccessRate       float64           `json:"success_rate"`
	AvgResponseTime   float64           `json:"avg_response_time"` // seconds
	QueriesByOutcome  map[string]uint64 `json:"queries_by_outcome"`
	GenerationRetries uint64            `json:"generation_retries"`
	DocumentsIngested uint64            `json:"documents_ingested"`
	DocumentsFailed   uint64            `json:"documents_failed"`
	ChunksIndexed     uint64            `json:"chunks_indexed"`
	ComponentStates   map[string]string `json:"component_states,omitempty"`
	UptimeSeconds     float64           `json:"uptime_seconds"`
}

// Snapshot 返回当前指标快照。
func (t *Tracker) Snapshot() Snapshot {
	byOutcome := make(map[string]uint64, len(outcomes))
	for _, o := range outcomes {
		byOutcome[o.String()] = t.byOutcome[o].Load()
	}
	successful := t.successfulQueries.Load()
	total := t.totalQueries.Load()
	return Snapshot{
		TotalQueries:      total,
		SuccessfulQueries: successful,
		SuccessRate:       successRate(successful, total),
		AvgResponseTime:   t.AvgResponseTime().Seconds(),
		QueriesByOutcome:  byOutcome,
		GenerationRetries: t.generationRetries.Load(),
		DocumentsIngested: t.documentsIngested.Load(),
		DocumentsFailed:   t.documentsFailed.Load(),
		ChunksIndexed:     t.chunksIndexed.Load(),
		ComponentStates:   t.componentStates(),
		UptimeSeconds:     time.Since(t.startTime).Seconds(),
	}
}

func (t *Tracker) componentStates() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.states) == 0 {
		return nil
	}
	out := make(map[string]string, len(t.states))
	for name, fn := range t.states {
		out[name] = fn()
	}
	return out
}

var _ prometheus.Collector = (*Tracker)(nil)

// Describe 实现 prometheus.Collector。
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.descs.queries
	ch <- t.descs.successful
	ch <- t.descs.responseTime
	ch <- t.descs.successRate
	ch <- t.descs.retries
	ch <- t.descs.documents
	ch <- t.descs.chunksIndexed
	ch <- t.descs.component
	ch <- t.descs.uptime
}

// Collect 实现 prometheus.Collector，每次抓取时读取计数器当前值。
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	for _, o := range outcomes {
		ch <- prometheus.MustNewConstMetric(t.descs.queries, prometheus.CounterValue,
			float64(t.byOutcome[o].Load()), o.String())
	}
	ch <- prometheus.MustNewConstMetric(t.descs.successful, prometheus.CounterValue, float64(t.successfulQueries.Load()))
	ch <- prometheus.MustNewConstMetric(t.descs.responseTime, prometheus.CounterValue,
		time.Duration(t.responseNanos.Load()).Seconds())
	ch <- prometheus.MustNewConstMetric(t.descs.successRate, prometheus.GaugeValue, t.SuccessRate())
	ch <- prometheus.MustNewConstMetric(t.descs.retries, prometheus.CounterValue, float64(t.generationRetries.Load()))
	ch <- prometheus.MustNewConstMetric(t.descs.documents, prometheus.CounterValue, float64(t.documentsIngested.Load()), "completed")
	ch <- prometheus.MustNewConstMetric(t.descs.documents, prometheus.CounterValue, float64(t.documentsFailed.Load()), "failed")
	ch <- prometheus.MustNewConstMetric(t.descs.chunksIndexed, prometheus.CounterValue, float64(t.chunksIndexed.Load()))
	ch <- prometheus.MustNewConstMetric(t.descs.uptime, prometheus.GaugeValue, time.Since(t.startTime).Seconds())

	states := t.componentStates()
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch <- prometheus.MustNewConstMetric(t.descs.component, prometheus.GaugeValue, 1, name, states[name])
	}
}
