package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"netbench/pkg/types"
)

// Printer is a Listener that renders every event with a Format and keeps the
// final snapshot of each finished session for export.
type Printer struct {
	format Format
	out    io.Writer

	mu       sync.Mutex
	finished []types.TestData
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(format Format, out io.Writer) *Printer {
	return &Printer{format: format, out: out}
}

func (p *Printer) OnStart(data types.TestData) {
	p.print(types.Event{Type: types.EventStart, Data: data})
}

func (p *Printer) OnReport(data, previous types.TestData) {
	p.print(types.Event{Type: types.EventReport, Data: data, PreviousData: &previous})
}

func (p *Printer) OnFinish(data types.TestData) {
	p.mu.Lock()
	p.finished = append(p.finished, data)
	p.mu.Unlock()
	p.print(types.Event{Type: types.EventFinish, Data: data})
}

func (p *Printer) print(ev types.Event) {
	ev.Timestamp = time.Now().UTC()
	line, err := p.format.Format(ev)
	if err != nil {
		log.WithError(err).WithField("event", ev.Type).Warn("Failed to format event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.out, line); err != nil {
		log.WithError(err).Warn("Failed to write event")
	}
}

// Finished returns the final snapshots of all finished sessions in order.
func (p *Printer) Finished() []types.TestData {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.TestData, len(p.finished))
	copy(out, p.finished)
	return out
}

// ExportJSON writes a summary of every finished session to file. An empty
// file name is a no-op.
func (p *Printer) ExportJSON(file string) error {
	if file == "" {
		return nil
	}

	finished := p.Finished()
	sessions := make([]map[string]interface{}, 0, len(finished))
	var totalBytes uint64
	for _, d := range finished {
		entry := map[string]interface{}{
			"id":             d.ID,
			"total_transfer": d.TotalTransfer,
			"total_packets":  d.TotalPackets,
			"duration_sec":   d.Elapsed,
			"plan":           d.Plan,
		}
		if !d.StartTime.IsZero() {
			entry["start_time"] = d.StartTime.UTC().Format(time.RFC3339)
		}
		if d.Elapsed > 0 {
			entry["throughput_bps"] = float64(d.TotalTransfer) * 8 / d.Elapsed
		}
		sessions = append(sessions, entry)
		totalBytes += d.TotalTransfer
	}

	export := map[string]interface{}{
		"exported_at":    time.Now().UTC().Format(time.RFC3339),
		"session_count":  len(finished),
		"total_transfer": totalBytes,
		"sessions":       sessions,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats JSON: %w", err)
	}

	if err := os.WriteFile(file, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", file, err)
	}

	log.WithField("file", file).Info("Statistics exported to JSON")
	return nil
}
