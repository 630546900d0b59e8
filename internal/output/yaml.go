package output

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
	"github.com/jbweber/corral/internal/state"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatCluster formats a cluster as YAML with the same keys as its state
// file.
func (f *YAMLFormatter) FormatCluster(cs *state.ClusterState) (string, error) {
	return jsonToYAML("cluster", cs)
}

// FormatClusterList formats clusters as a YAML stream (multiple documents
// separated by ---).
func (f *YAMLFormatter) FormatClusterList(clusters []*state.ClusterState) (string, error) {
	out := ""
	for i, cs := range clusters {
		doc, err := jsonToYAML("cluster "+cs.Name, cs)
		if err != nil {
			return "", err
		}
		if i > 0 {
			out += "---\n"
		}
		out += doc
	}
	return out, nil
}

// FormatDevices formats devices as a YAML sequence.
func (f *YAMLFormatter) FormatDevices(devices []pci.Device) (string, error) {
	return marshalYAML("devices", devices)
}

// FormatBundles formats a passthrough plan as a YAML sequence.
func (f *YAMLFormatter) FormatBundles(bundles []pci.Bundle) (string, error) {
	return marshalYAML("bundles", bundles)
}

// FormatReport formats a check report.
func (f *YAMLFormatter) FormatReport(report preflight.Report) (string, error) {
	return marshalYAML("report", report)
}

func marshalYAML(what string, v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}

// jsonToYAML renders v through its JSON encoding so YAML output uses the
// json tag names and field order.
func jsonToYAML(what string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return "", fmt.Errorf("failed to convert %s to YAML: %w", what, err)
	}
	blockStyle(&node)

	return marshalYAML(what, &node)
}

// blockStyle clears the flow and quoting styles a JSON document decodes with.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
