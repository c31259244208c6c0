package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	evaluationStatus map[string]int64
	ruleResult       map[string]int64
	actionDecision   map[string]int64
	gauges           map[string]float64
	compiles         int64
	compileFailures  int64
	evaluateLatency  LatencyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	EvaluationStatus  map[string]int64        `json:"evaluation_status_totals"`
	RuleResults       map[string]int64        `json:"rule_result_totals"`
	ActionDecisions   map[string]int64        `json:"action_decision_totals"`
	Gauges            map[string]float64      `json:"gauges"`
	Compiles          int64                   `json:"context_compiles_total"`
	CompileFailures   int64                   `json:"context_compile_failures_total"`
	EvaluateLatencyMS LatencyStat             `json:"gate_evaluate_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		evaluationStatus: map[string]int64{},
		ruleResult:       map[string]int64{},
		actionDecision:   map[string]int64{},
		gauges:           map[string]float64{},
		Histograms:       NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncEvaluationStatus(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	r.mu.Lock()
	r.evaluationStatus[status]++
	r.mu.Unlock()
}

// IncRuleResult counts one rule outcome keyed by "rule_type|result".
func (r *Registry) IncRuleResult(ruleType, result string) {
	ruleType = strings.TrimSpace(ruleType)
	result = strings.TrimSpace(result)
	if ruleType == "" || result == "" {
		return
	}
	r.mu.Lock()
	r.ruleResult[ruleType+"|"+result]++
	r.mu.Unlock()
}

func (r *Registry) IncActionDecision(decision string) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.actionDecision[decision]++
	r.mu.Unlock()
}

func (r *Registry) IncCompile(failed bool) {
	r.mu.Lock()
	r.compiles++
	if failed {
		r.compileFailures++
	}
	r.mu.Unlock()
}

func (r *Registry) ObserveEvaluateLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluateLatency.Count++
	r.evaluateLatency.TotalMS += ms
	r.evaluateLatency.LastMS = ms
	if ms > r.evaluateLatency.MaxMS {
		r.evaluateLatency.MaxMS = ms
	}
	r.evaluateLatency.AvgMS = float64(r.evaluateLatency.TotalMS) / float64(r.evaluateLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		EvaluationStatus: make(map[string]int64, len(r.evaluationStatus)),
		RuleResults:      make(map[string]int64, len(r.ruleResult)),
		ActionDecisions:  make(map[string]int64, len(r.actionDecision)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		Compiles:         r.compiles,
		CompileFailures:  r.compileFailures,
		EvaluateLatencyMS: LatencyStat{
			Count:   r.evaluateLatency.Count,
			TotalMS: r.evaluateLatency.TotalMS,
			MaxMS:   r.evaluateLatency.MaxMS,
			LastMS:  r.evaluateLatency.LastMS,
			AvgMS:   r.evaluateLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.evaluationStatus {
		out.EvaluationStatus[k] = v
	}
	for k, v := range r.ruleResult {
		out.RuleResults[k] = v
	}
	for k, v := range r.actionDecision {
		out.ActionDecisions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP ladder_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE ladder_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "ladder_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP ladder_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE ladder_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "ladder_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP ladder_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE ladder_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "ladder_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP ladder_evaluation_status_total gate evaluations by status\n")
		b.WriteString("# TYPE ladder_evaluation_status_total counter\n")
		for _, status := range SortedKeys(snap.EvaluationStatus) {
			fmt.Fprintf(b, "ladder_evaluation_status_total{status=%q} %d\n", status, snap.EvaluationStatus[status])
		}
		b.WriteString("# HELP ladder_rule_result_total rule outcomes by rule type and result\n")
		b.WriteString("# TYPE ladder_rule_result_total counter\n")
		for _, key := range SortedKeys(snap.RuleResults) {
			parts := strings.SplitN(key, "|", 2)
			result := "unknown"
			if len(parts) == 2 {
				result = parts[1]
			}
			fmt.Fprintf(b, "ladder_rule_result_total{rule_type=%q,result=%q} %d\n", parts[0], result, snap.RuleResults[key])
		}
		b.WriteString("# HELP ladder_action_decision_total policy action checks by decision\n")
		b.WriteString("# TYPE ladder_action_decision_total counter\n")
		for _, decision := range SortedKeys(snap.ActionDecisions) {
			fmt.Fprintf(b, "ladder_action_decision_total{decision=%q} %d\n", decision, snap.ActionDecisions[decision])
		}
		b.WriteString("# HELP ladder_context_compiles_total context package compilations\n")
		b.WriteString("# TYPE ladder_context_compiles_total counter\n")
		fmt.Fprintf(b, "ladder_context_compiles_total %d\n", snap.Compiles)
		b.WriteString("# HELP ladder_context_compile_failures_total failed compilations\n")
		b.WriteString("# TYPE ladder_context_compile_failures_total counter\n")
		fmt.Fprintf(b, "ladder_context_compile_failures_total %d\n", snap.CompileFailures)
		b.WriteString("# HELP ladder_gauge operational gauge metrics\n")
		b.WriteString("# TYPE ladder_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "ladder_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP ladder_gate_evaluate_latency_ms gate evaluation latency in ms\n")
		b.WriteString("# TYPE ladder_gate_evaluate_latency_ms gauge\n")
		fmt.Fprintf(b, "ladder_gate_evaluate_latency_ms{stat=%q} %d\n", "last", snap.EvaluateLatencyMS.LastMS)
		fmt.Fprintf(b, "ladder_gate_evaluate_latency_ms{stat=%q} %.3f\n", "avg", snap.EvaluateLatencyMS.AvgMS)
		fmt.Fprintf(b, "ladder_gate_evaluate_latency_ms{stat=%q} %d\n", "max", snap.EvaluateLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP ladder_latency_seconds latency histogram\n")
			b.WriteString("# TYPE ladder_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "ladder_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "ladder_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "ladder_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "ladder_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "ladder_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "ladder_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "ladder_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
