package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
	"github.com/jbweber/corral/internal/state"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatCluster formats a cluster as its state document.
func (f *JSONFormatter) FormatCluster(cs *state.ClusterState) (string, error) {
	return marshalJSON("cluster", cs)
}

// FormatClusterList formats clusters as a JSON array.
func (f *JSONFormatter) FormatClusterList(clusters []*state.ClusterState) (string, error) {
	if len(clusters) == 0 {
		return "[]\n", nil
	}
	return marshalJSON("clusters", clusters)
}

// FormatDevices formats devices as a JSON array.
func (f *JSONFormatter) FormatDevices(devices []pci.Device) (string, error) {
	if len(devices) == 0 {
		return "[]\n", nil
	}
	return marshalJSON("devices", devices)
}

// FormatBundles formats a passthrough plan as a JSON array of bundles.
func (f *JSONFormatter) FormatBundles(bundles []pci.Bundle) (string, error) {
	if len(bundles) == 0 {
		return "[]\n", nil
	}
	return marshalJSON("bundles", bundles)
}

// FormatReport formats a check report.
func (f *JSONFormatter) FormatReport(report preflight.Report) (string, error) {
	return marshalJSON("report", report)
}

func marshalJSON(what string, v any) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}

	return buf.String(), nil
}
