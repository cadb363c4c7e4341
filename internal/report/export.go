package report

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/prometheus/common/expfmt"
)

// PrometheusText renders the loop metrics in the Prometheus text format.
func (m *Metrics) PrometheusText() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// FailuresJSON exports the n most recent failures as a JSON array.
func (f *FailureLog) FailuresJSON(n int) ([]byte, error) {
	return json.Marshal(f.GetRecent(n))
}
