package stats

import (
	"sync"
	"time"

	"netbench/pkg/types"
)

// Listener receives measurement events. Callbacks get immutable snapshots.
type Listener interface {
	OnStart(data types.TestData)
	// OnReport carries the snapshot of the previous event so the listener can
	// compute interval throughput.
	OnReport(data, previous types.TestData)
	OnFinish(data types.TestData)
}

// NopListener discards every event.
type NopListener struct{}

func (NopListener) OnStart(types.TestData)                  {}
func (NopListener) OnReport(types.TestData, types.TestData) {}
func (NopListener) OnFinish(types.TestData)                 {}

// Options tune a Test.
type Options struct {
	// ReportInterval is the report cadence. Zero or less disables reports.
	ReportInterval time.Duration
	Listener       Listener
}

// Test tracks the transfer counters of one session and drives the listener.
type Test struct {
	id   uint64
	plan types.TestPlan
	opts Options

	mu            sync.Mutex
	totalTransfer uint64
	totalPackets  uint64
	startTime     time.Time
	reportCount   uint64 // reports fired since Start
	last          types.TestData

	now func() time.Time
}

// NewTest creates a Test for session id running plan.
func NewTest(id uint64, plan types.TestPlan, opts Options) *Test {
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	return &Test{
		id:   id,
		plan: plan,
		opts: opts,
		now:  time.Now,
	}
}

// ID returns the session id.
func (t *Test) ID() uint64 { return t.id }

// Plan returns the test plan.
func (t *Test) Plan() types.TestPlan { return t.plan }

// Start resets the clock and fires the Start event.
func (t *Test) Start() {
	t.mu.Lock()
	t.startTime = t.now()
	t.reportCount = 0
	snap := t.snapshotLocked()
	t.last = snap
	t.mu.Unlock()

	t.opts.Listener.OnStart(snap)
}

// Transferred accounts one packet of n bytes. It fires at most one Report
// per call, when elapsed time has crossed the next interval boundary.
func (t *Test) Transferred(n int) {
	t.mu.Lock()
	t.totalTransfer += uint64(n)
	t.totalPackets++
	if !t.shouldReportLocked() {
		t.mu.Unlock()
		return
	}
	snap := t.snapshotLocked()
	prev := t.last
	t.last = snap
	t.mu.Unlock()

	t.opts.Listener.OnReport(snap, prev)
}

// Finish fires the Finish event.
func (t *Test) Finish() {
	t.mu.Lock()
	snap := t.snapshotLocked()
	t.last = snap
	t.mu.Unlock()

	t.opts.Listener.OnFinish(snap)
}

// Elapsed returns the wall-clock time since the last Start.
func (t *Test) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.startTime)
}

// Expired reports whether the planned duration has elapsed.
func (t *Test) Expired() bool {
	return t.Elapsed() >= t.plan.DurationTime()
}

// Snapshot returns a copy of the current counters (thread-safe).
func (t *Test) Snapshot() types.TestData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Test) snapshotLocked() types.TestData {
	return types.TestData{
		ID:            t.id,
		TotalTransfer: t.totalTransfer,
		TotalPackets:  t.totalPackets,
		Plan:          t.plan,
		Elapsed:       t.now().Sub(t.startTime).Seconds(),
		StartTime:     t.startTime,
		ReportCount:   t.reportCount,
	}
}

func (t *Test) shouldReportLocked() bool {
	if t.opts.ReportInterval <= 0 {
		return false
	}
	elapsed := t.now().Sub(t.startTime)
	if elapsed < time.Duration(t.reportCount+1)*t.opts.ReportInterval {
		return false
	}
	t.reportCount++
	return true
}
