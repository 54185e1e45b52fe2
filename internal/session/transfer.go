package session

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"netbench/internal/message"
	"netbench/internal/network"
	"netbench/internal/stats"
)

// send pushes packet_size writes until the receiver asks to stop with Fin.
// A background goroutine waits for Fin, raises the stop flag and answers
// FinAck; the loop checks the flag after every write. The goroutine is
// always joined before send returns.
func (s *session) send(test *stats.Test) error {
	logger := s.logger()

	var stop, quit atomic.Bool
	done := make(chan struct{})
	ctl := s.conn.Clone()
	go func() {
		defer close(done)
		defer ctl.Close()

		for {
			// Bounded waits let the loop notice quit even while the peer
			// keeps sending.
			_, err := message.ExpectTimeout[*message.Fin](s.reader, receivePollInterval)
			if errors.Is(err, message.ErrReadTimeout) {
				if quit.Load() {
					return
				}
				continue
			}
			stop.Store(true)
			if err != nil {
				logger.WithError(err).Debug("Fin listener stopped without Fin")
				return
			}
			if err := message.NewWriter(ctl).Write(&message.FinAck{}); err != nil {
				logger.WithError(err).Warn("Failed to send FinAck")
			}
			return
		}
	}()

	buf := make([]byte, s.plan.PacketSize)
	deadline := s.plan.DurationTime() + senderGrace

	var sendErr error
	test.Start()
	for !stop.Load() {
		n, err := s.conn.Write(buf)
		if err != nil {
			if network.IsTransient(err) {
				continue
			}
			if network.IsReset(err) {
				logger.WithError(err).Debug("Receiver went away")
				break
			}
			sendErr = fmt.Errorf("failed to send payload: %w", err)
			break
		}
		test.Transferred(n)

		if test.Elapsed() > deadline {
			logger.Warn("No Fin from receiver, stopping")
			break
		}
	}
	test.Finish()

	// On a datagram server the listener reads from the socket the next
	// Accept needs, so it must be gone before the session ends.
	quit.Store(true)
	<-done
	return sendErr
}

// receive measures payload until the planned duration has elapsed or the
// sender ends the stream, then asks the sender to stop.
func (s *session) receive(test *stats.Test) error {
	logger := s.logger()

	header := s.conn.HeaderSize()
	buf := make([]byte, header+int(s.plan.PacketSize))
	src := s.reader.Stream()

	if err := s.conn.SetReadTimeout(receivePollInterval); err != nil {
		return fmt.Errorf("failed to arm read timeout: %w", err)
	}

	ended := false
	test.Start()
	for !test.Expired() {
		n, err := src.Read(buf)
		if err != nil {
			if network.IsTimeout(err) {
				continue
			}
			if network.IsReset(err) {
				ended = true
				break
			}
			test.Finish()
			return fmt.Errorf("failed to receive payload: %w", err)
		}
		if n <= header {
			ended = true
			break
		}
		test.Transferred(n - header)
	}
	test.Finish()

	if err := s.conn.SetReadTimeout(0); err != nil {
		return fmt.Errorf("failed to clear read timeout: %w", err)
	}
	if ended {
		logger.Debug("Sender ended the stream")
		return nil
	}

	// Datagram transports may lose the Fin, so it is repeated until FinAck
	// arrives or the overall wait runs out.
	deadline := time.Now().Add(finAckTimeout)
	var err error
	for {
		if err = s.writer.Write(&message.Fin{}); err != nil {
			if network.IsReset(err) {
				return nil
			}
			return err
		}
		wait := min(finResendInterval, time.Until(deadline))
		_, err = message.ExpectTimeout[*message.FinAck](s.reader, wait)
		if !errors.Is(err, message.ErrReadTimeout) || time.Until(deadline) <= 0 {
			break
		}
		logger.Debug("Resending Fin")
	}
	switch {
	case err == nil:
		logger.Debug("Sender acknowledged Fin")
	case errors.Is(err, message.ErrReadTimeout):
		logger.Warn("FinAck not received in time")
	case errors.Is(err, io.EOF) || network.IsReset(err):
		logger.Debug("Sender closed before FinAck")
	default:
		return fmt.Errorf("failed to receive FinAck: %w", err)
	}
	return nil
}
