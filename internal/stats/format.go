package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"netbench/pkg/types"
)

// Format renders one event as text. The result carries no trailing newline.
type Format interface {
	Format(ev types.Event) (string, error)
}

// NewFormat returns the Format for name. Supported formats: "pretty"
// (default), "json", "yaml". Pretty output adapts its styling to out.
func NewFormat(name string, out io.Writer) (Format, error) {
	switch strings.ToLower(name) {
	case "", "pretty":
		return NewPrettyFormat(out), nil
	case "json":
		return JSONFormat{}, nil
	case "yaml":
		return YAMLFormat{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (expected pretty|json|yaml)", name)
	}
}

// PrettyFormat renders human-readable lines.
type PrettyFormat struct {
	title lipgloss.Style
	clock lipgloss.Style
	rate  lipgloss.Style
}

// NewPrettyFormat creates a PrettyFormat whose colors match the capabilities
// of out. Non-terminal writers get plain text.
func NewPrettyFormat(out io.Writer) *PrettyFormat {
	r := lipgloss.NewRenderer(out)
	return &PrettyFormat{
		title: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		clock: r.NewStyle().Foreground(lipgloss.Color("240")),
		rate:  r.NewStyle().Foreground(lipgloss.Color("10")),
	}
}

func (f *PrettyFormat) Format(ev types.Event) (string, error) {
	d := ev.Data
	switch ev.Type {
	case types.EventStart:
		return f.title.Render(fmt.Sprintf("Test started #%d", d.ID)), nil
	case types.EventReport:
		line := fmt.Sprintf("%s %sB", f.clock.Render(fmt.Sprintf("[%.2fs]", d.Elapsed)), FormatBytes(float64(d.TotalTransfer)))
		if ev.PreviousData != nil {
			if bps, ok := Throughput(*ev.PreviousData, d); ok {
				line += " " + f.rate.Render(fmt.Sprintf("(%sbit/s)", FormatBytes(bps)))
			}
		}
		return line, nil
	case types.EventFinish:
		summary := fmt.Sprintf("%sB in %.2fs", FormatBytes(float64(d.TotalTransfer)), d.Elapsed)
		if d.Elapsed > 0 {
			summary += " " + f.rate.Render(fmt.Sprintf("(%sbit/s avg)", FormatBytes(float64(d.TotalTransfer)*8/d.Elapsed)))
		}
		return f.title.Render(fmt.Sprintf("Test finished #%d", d.ID)) + " " + summary, nil
	default:
		return "", fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// JSONFormat renders one JSON object per event.
type JSONFormat struct{}

func (JSONFormat) Format(ev types.Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event JSON: %w", err)
	}
	return string(b), nil
}

// YAMLFormat renders one YAML document per event.
type YAMLFormat struct{}

func (YAMLFormat) Format(ev types.Event) (string, error) {
	b, err := yaml.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event YAML: %w", err)
	}
	return "---\n" + strings.TrimSuffix(string(b), "\n"), nil
}

var byteUnits = []string{"", "K", "M", "G", "T", "P"}

// FormatBytes scales n by powers of 1000 and appends the unit prefix,
// e.g. 1234567 -> "1.23M".
func FormatBytes(n float64) string {
	idx := 0
	for n >= 1000 && idx < len(byteUnits)-1 {
		n /= 1000
		idx++
	}
	return fmt.Sprintf("%.2f%s", n, byteUnits[idx])
}

// Throughput returns the bit rate between two snapshots of the same session.
func Throughput(previous, current types.TestData) (float64, bool) {
	dt := current.Elapsed - previous.Elapsed
	if dt <= 0 || current.TotalTransfer < previous.TotalTransfer {
		return 0, false
	}
	return float64(current.TotalTransfer-previous.TotalTransfer) * 8 / dt, true
}
