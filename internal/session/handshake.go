package session

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"netbench/internal/config"
	"netbench/internal/message"
	"netbench/internal/network"
	"netbench/pkg/types"
)

// Serve listens on srv and runs sessions until ctx is cancelled.
func Serve(ctx context.Context, srv network.Server, opts Options) error {
	ln, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return ServeListener(ctx, ln, opts)
}

// ServeListener runs the accept loop on ln and closes it on return.
// Sessions run one at a time. A failed session is logged and the loop moves
// on to the next connection.
func ServeListener(ctx context.Context, ln network.Listener, opts Options) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	ids := NewIDAllocator(1)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Server stopped")
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		// The id is consumed even when the handshake fails.
		id := ids.Next()
		if _, err := serveConn(conn, id, opts); err != nil {
			log.WithError(err).WithField("session_id", id).Error("Session failed")
		}
	}
}

// serveConn runs the responder side of one session.
func serveConn(conn network.Connection, id uint64, opts Options) (types.TestData, error) {
	defer conn.Close()

	r := message.NewReader(conn)
	w := message.NewWriter(conn)

	syn, err := message.Expect[*message.Syn](r)
	if err != nil {
		return types.TestData{}, fmt.Errorf("failed to receive Syn: %w", err)
	}
	if err := config.ValidatePlan(syn.Plan); err != nil {
		return types.TestData{}, fmt.Errorf("rejected test plan: %w", err)
	}

	if err := w.Write(&message.SynAck{SessionID: id, Plan: syn.Plan}); err != nil {
		return types.TestData{}, err
	}

	s := &session{
		id:     id,
		role:   syn.Mode.Opposite(),
		plan:   syn.Plan,
		conn:   conn,
		reader: r,
		writer: w,
		opts:   opts,
	}
	s.logger().Info("Session established")
	return s.run()
}

// Dial runs the initiator side of one session: connect, propose plan in
// mode, then drive the data phase. Waiting for SynAck is unbounded.
func Dial(client network.Client, mode types.Mode, plan types.TestPlan, opts Options) (types.TestData, error) {
	conn, err := client.Connect()
	if err != nil {
		return types.TestData{}, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	r := message.NewReader(conn)
	w := message.NewWriter(conn)

	if err := w.Write(&message.Syn{Mode: mode, Plan: plan}); err != nil {
		return types.TestData{}, err
	}
	ack, err := message.Expect[*message.SynAck](r)
	if err != nil {
		return types.TestData{}, fmt.Errorf("failed to receive SynAck: %w", err)
	}
	if err := config.ValidatePlan(ack.Plan); err != nil {
		return types.TestData{}, fmt.Errorf("peer adopted an invalid test plan: %w", err)
	}

	s := &session{
		id:     ack.SessionID,
		role:   mode,
		plan:   ack.Plan,
		conn:   conn,
		reader: r,
		writer: w,
		opts:   opts,
	}
	s.logger().Info("Session established")
	return s.run()
}
