package message

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// Signature marks the start of every frame.
var Signature = []byte("@PERF@")

const (
	lengthSize      = 4
	frameHeaderSize = 6 + lengthSize
	// MaxPayloadSize bounds a frame's declared length. A larger value means
	// the signature match was a false start.
	MaxPayloadSize = 1024

	readBufferSize = 64 << 10
)

// ErrReadTimeout is returned by the timeout-bounded reads when no matching
// message arrived in time.
var ErrReadTimeout = errors.New("read timeout")

// TimeoutReader is a byte source whose reads can be bounded.
type TimeoutReader interface {
	io.Reader
	SetReadTimeout(d time.Duration) error
}

// Reader turns a byte stream into messages.
//
// Frame layout:
//
//	[6 bytes] signature "@PERF@"
//	[4 bytes] payload length (big-endian uint32)
//	[N bytes] payload
//
// The reader slides over the stream one position at a time until a signature
// with a plausible length lines up, so it resynchronizes from any offset.
// Frames whose payload does not decode are skipped whole.
type Reader struct {
	src     TimeoutReader
	br      *bufio.Reader
	payload []byte

	// deadline bounds a whole ReadUntilTimeout call, including time spent
	// skipping bytes that never form a frame.
	deadline time.Time
}

// NewReader creates a Reader over src.
func NewReader(src TimeoutReader) *Reader {
	return &Reader{
		src: src,
		br:  bufio.NewReaderSize(src, readBufferSize),
	}
}

// Read returns the next well-formed message.
func (r *Reader) Read() (Message, error) {
	for {
		if !r.deadline.IsZero() && !time.Now().Before(r.deadline) {
			return nil, ErrReadTimeout
		}
		hdr, err := r.br.Peek(frameHeaderSize)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(hdr[:len(Signature)], Signature) {
			r.skip()
			continue
		}
		size := binary.BigEndian.Uint32(hdr[len(Signature):])
		if size > MaxPayloadSize {
			// False start: the real signature may begin inside these bytes.
			_, _ = r.br.Discard(1)
			continue
		}
		_, _ = r.br.Discard(frameHeaderSize)

		if cap(r.payload) < int(size) {
			r.payload = make([]byte, size)
		}
		payload := r.payload[:size]
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return nil, err
		}

		msg, err := Decode(payload)
		if err != nil {
			log.WithError(err).Debug("Discarding undecodable frame")
			continue
		}
		return msg, nil
	}
}

// Stream returns the buffered byte stream beneath the reader. Payload that
// arrived together with a control frame is read from here first.
func (r *Reader) Stream() io.Reader {
	return r.br
}

// skip advances past the current position to the next buffered byte that
// could begin a signature.
func (r *Reader) skip() {
	buffered, _ := r.br.Peek(r.br.Buffered())
	if len(buffered) <= 1 {
		_, _ = r.br.Discard(1)
		return
	}
	i := bytes.IndexByte(buffered[1:], Signature[0])
	if i < 0 {
		_, _ = r.br.Discard(len(buffered))
		return
	}
	_, _ = r.br.Discard(i + 1)
}

// ReadUntil returns the first message accepted by match, discarding the rest.
func (r *Reader) ReadUntil(match func(Message) bool) (Message, error) {
	for {
		msg, err := r.Read()
		if err != nil {
			return nil, err
		}
		if match(msg) {
			return msg, nil
		}
		log.WithField("msg_type", TypeName(msg.MessageType())).Debug("Skipping unexpected message")
	}
}

// ReadUntilTimeout is ReadUntil bounded by timeout. The bound covers the whole
// call: traffic that keeps arriving without a match does not extend it. An
// expired wait becomes ErrReadTimeout. The read timeout is cleared before
// returning either way.
func (r *Reader) ReadUntilTimeout(match func(Message) bool, timeout time.Duration) (msg Message, err error) {
	if err := r.src.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("failed to arm read timeout: %w", err)
	}
	r.deadline = time.Now().Add(timeout)
	defer func() {
		r.deadline = time.Time{}
		if clearErr := r.src.SetReadTimeout(0); clearErr != nil && err == nil {
			err = fmt.Errorf("failed to clear read timeout: %w", clearErr)
		}
	}()

	msg, err = r.ReadUntil(match)
	if err != nil && isTimeout(err) {
		return nil, ErrReadTimeout
	}
	return msg, err
}

// Expect reads until a message of type T arrives.
func Expect[T Message](r *Reader) (T, error) {
	msg, err := r.ReadUntil(is[T])
	if err != nil {
		var zero T
		return zero, err
	}
	return msg.(T), nil
}

// ExpectTimeout reads until a message of type T arrives or timeout expires.
func ExpectTimeout[T Message](r *Reader, timeout time.Duration) (T, error) {
	msg, err := r.ReadUntilTimeout(is[T], timeout)
	if err != nil {
		var zero T
		return zero, err
	}
	return msg.(T), nil
}

func is[T Message](msg Message) bool {
	_, ok := msg.(T)
	return ok
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Writer frames messages onto a byte stream.
type Writer struct {
	dst io.Writer
	buf []byte
}

// NewWriter creates a Writer over dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// Write sends signature, length and payload with a single write call.
func (w *Writer) Write(msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	w.buf = append(w.buf[:0], Signature...)
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(payload)))
	w.buf = append(w.buf, payload...)

	for off := 0; off < len(w.buf); {
		n, err := w.dst.Write(w.buf[off:])
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", TypeName(msg.MessageType()), err)
		}
		if n == 0 {
			return fmt.Errorf("failed to write %s: %w", TypeName(msg.MessageType()), io.ErrShortWrite)
		}
		off += n
	}
	return nil
}
