package session

import (
	"time"

	log "github.com/sirupsen/logrus"

	"netbench/internal/message"
	"netbench/internal/network"
	"netbench/internal/stats"
	"netbench/pkg/types"
)

const (
	// finAckTimeout bounds the receiver's wait for FinAck.
	finAckTimeout = 1000 * time.Millisecond
	// finResendInterval is how often the receiver repeats an unanswered Fin.
	finResendInterval = 250 * time.Millisecond
	// receivePollInterval bounds each payload read so the receiver notices
	// the end of the test even when no data arrives.
	receivePollInterval = 100 * time.Millisecond
)

// senderGrace is how long past the planned duration a sender keeps going
// without a Fin before it gives up on the receiver.
var senderGrace = 5 * time.Second

// Options are shared by every session a process runs.
type Options struct {
	// ReportInterval is the report cadence; zero disables reports.
	ReportInterval time.Duration
	Listener       stats.Listener
}

func (o Options) testOptions() stats.Options {
	return stats.Options{ReportInterval: o.ReportInterval, Listener: o.Listener}
}

// session is an established measurement session on one connection.
type session struct {
	id   uint64
	role types.Mode // ModeSend pushes payload, ModeReceive measures it
	plan types.TestPlan

	conn   network.Connection
	reader *message.Reader
	writer *message.Writer
	opts   Options
}

func (s *session) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"session_id":  s.id,
		"role":        s.role,
		"duration":    s.plan.Duration,
		"packet_size": s.plan.PacketSize,
	})
}

// run drives the data phase and returns the final counters.
func (s *session) run() (types.TestData, error) {
	test := stats.NewTest(s.id, s.plan, s.opts.testOptions())

	var err error
	if s.role == types.ModeSend {
		err = s.send(test)
	} else {
		err = s.receive(test)
	}
	return test.Snapshot(), err
}
