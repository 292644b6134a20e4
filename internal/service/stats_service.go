package service

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// StatsService summarizes the gateway's Prometheus registry into a JSON
// shape for the control plane. The /metrics endpoint stays the source of
// truth; this is the human-readable digest.
type StatsService struct {
	gatherer prometheus.Gatherer
}

// NewStatsService creates the service over the gateway's metric registry.
func NewStatsService(gatherer prometheus.Gatherer) *StatsService {
	return &StatsService{gatherer: gatherer}
}

// Stats is a point-in-time summary of gateway activity.
type Stats struct {
	RunsSubmitted    int64            `json:"runsSubmitted"`
	RunsActive       int64            `json:"runsActive"`
	RunsByOutcome    map[string]int64 `json:"runsByOutcome"`
	ToolCallsByKind  map[string]int64 `json:"toolCallsByKind"`
	ApprovalsPending int64            `json:"approvalsPending"`
	ApprovalsByVote  map[string]int64 `json:"approvalsByVote"`
	ProviderErrors   map[string]int64 `json:"providerErrors"`
	RegistryBuilds   int64            `json:"registryBuilds"`
}

// Snapshot gathers the registry and folds the gateway's families into a
// Stats value. Unknown families are ignored.
func (s *StatsService) Snapshot() (*Stats, error) {
	families, err := s.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	st := &Stats{
		RunsByOutcome:   make(map[string]int64),
		ToolCallsByKind: make(map[string]int64),
		ApprovalsByVote: make(map[string]int64),
		ProviderErrors:  make(map[string]int64),
	}

	for _, mf := range families {
		switch mf.GetName() {
		case "codegate_runs_submitted_total":
			st.RunsSubmitted = sumValues(mf)
		case "codegate_runs_active":
			st.RunsActive = sumValues(mf)
		case "codegate_runs_terminal_total":
			foldByLabel(mf, "status", st.RunsByOutcome)
		case "codegate_tool_calls_total":
			foldByLabel(mf, "kind", st.ToolCallsByKind)
		case "codegate_approvals_pending":
			st.ApprovalsPending = sumValues(mf)
		case "codegate_approvals_resolved_total":
			foldByLabel(mf, "decision", st.ApprovalsByVote)
		case "codegate_provider_errors_total":
			foldByLabel(mf, "provider", st.ProviderErrors)
		case "codegate_registry_builds_total":
			st.RegistryBuilds = sumValues(mf)
		}
	}
	return st, nil
}

// sumValues adds every sample in the family regardless of labels.
func sumValues(mf *dto.MetricFamily) int64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += sampleValue(m)
	}
	return int64(total)
}

// foldByLabel buckets samples by one label's value.
func foldByLabel(mf *dto.MetricFamily, label string, out map[string]int64) {
	for _, m := range mf.GetMetric() {
		key := ""
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				key = lp.GetValue()
				break
			}
		}
		out[key] += int64(sampleValue(m))
	}
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	default:
		return 0
	}
}
