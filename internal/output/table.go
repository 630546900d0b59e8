package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/jbweber/corral/internal/pci"
	"github.com/jbweber/corral/internal/preflight"
	"github.com/jbweber/corral/internal/state"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

func newTabWriter(buf *bytes.Buffer) *tabwriter.Writer {
	return tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
}

// FormatCluster formats a cluster summary followed by a row per VM.
func (f *TableFormatter) FormatCluster(cs *state.ClusterState) (string, error) {
	var buf bytes.Buffer

	if !f.NoHeaders {
		fmt.Fprintf(&buf, "Cluster:   %s (%s)\n", cs.Name, cs.Type)
		fmt.Fprintf(&buf, "Lifecycle: %s\n", dash(string(cs.Phase)))
		if cs.Network != nil {
			active := "inactive"
			if cs.Network.Active {
				active = "active"
			}
			fmt.Fprintf(&buf, "Network:   %s %s via %s (%s)\n", cs.Network.Name, cs.Network.Subnet, cs.Network.Bridge, active)
		}
		if !cs.CreatedAt.IsZero() {
			fmt.Fprintf(&buf, "Age:       %s\n", formatAge(time.Since(cs.CreatedAt)))
		}
		buf.WriteString("\n")
	}

	if len(cs.VMs) == 0 {
		buf.WriteString("No VMs found\n")
		return buf.String(), nil
	}

	w := newTabWriter(&buf)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tROLE\tSTATE\tIP\tVCPUs\tMEMORY\tDEVICES\tAGE")
	}

	for _, v := range cs.VMs {
		devices := "-"
		if addrs := v.DeviceAddresses(); len(addrs) > 0 {
			devices = strings.Join(addrs, ",")
		}

		age := "-"
		if !v.CreatedAt.IsZero() {
			age = formatAge(time.Since(v.CreatedAt))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			v.Name, v.Role, dash(string(v.State)), dash(v.IP), v.VCPUs, memory(v.MemoryMiB), devices, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatClusterList formats a summary row per cluster.
func (f *TableFormatter) FormatClusterList(clusters []*state.ClusterState) (string, error) {
	if len(clusters) == 0 {
		return "No clusters found\n", nil
	}

	var buf bytes.Buffer
	w := newTabWriter(&buf)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tTYPE\tLIFECYCLE\tVMS\tSUBNET\tAGE")
	}

	for _, cs := range clusters {
		subnet := "-"
		if cs.Network != nil {
			subnet = cs.Network.Subnet
		}
		age := "-"
		if !cs.CreatedAt.IsZero() {
			age = formatAge(time.Since(cs.CreatedAt))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			cs.Name, cs.Type, dash(string(cs.Phase)), len(cs.VMs), subnet, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatDevices formats a row per device.
func (f *TableFormatter) FormatDevices(devices []pci.Device) (string, error) {
	if len(devices) == 0 {
		return "No PCI devices found\n", nil
	}

	var buf bytes.Buffer
	w := newTabWriter(&buf)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ADDRESS\tID\tTYPE\tIOMMU\tDRIVER\tSTATUS\tOWNER\tNAME")
	}

	for _, d := range devices {
		_, _ = fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Address, d.VendorID, d.DeviceID, d.Type, group(d.IOMMUGroup),
			dash(d.Driver), d.Status, dash(d.Owner), dash(d.Name))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatBundles formats a row per bundle, primary device first.
func (f *TableFormatter) FormatBundles(bundles []pci.Bundle) (string, error) {
	if len(bundles) == 0 {
		return "No passthrough devices planned\n", nil
	}

	var buf bytes.Buffer
	w := newTabWriter(&buf)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "IOMMU\tPRIMARY\tTYPE\tDEVICES")
	}

	for _, b := range bundles {
		primary := b.Primary()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			group(b.IOMMUGroup), primary.Address, primary.Type, strings.Join(b.Addresses(), ","))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatReport formats a row per check followed by a summary line.
func (f *TableFormatter) FormatReport(report preflight.Report) (string, error) {
	var buf bytes.Buffer
	w := newTabWriter(&buf)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
	}
	for _, r := range report.Results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, strings.ToUpper(string(r.Status)), r.Message)
	}
	_ = w.Flush()

	fmt.Fprintf(&buf, "\n%d checks, %d warnings, %d failures\n",
		len(report.Results), len(report.Warnings()), len(report.Failures()))
	return buf.String(), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func group(g int) string {
	if g == pci.UnknownGroup {
		return "?"
	}
	return fmt.Sprintf("%d", g)
}

func memory(mib int) string {
	return units.BytesSize(float64(mib) * units.MiB)
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	if years := days / 365; years > 0 {
		return fmt.Sprintf("%dy", years)
	}
	return fmt.Sprintf("%dd", days)
}
