//go:build linux

package network

import "time"

// ZeroCopyServer reserves the zero-copy backend name. Listen always fails.
type ZeroCopyServer struct{}

func (ZeroCopyServer) Listen() (Listener, error) {
	return nil, ErrUnimplemented
}

// ZeroCopyClient reserves the zero-copy backend name. Connect always fails.
type ZeroCopyClient struct{}

func (ZeroCopyClient) Connect() (Connection, error) {
	return nil, ErrUnimplemented
}

// ZeroCopyConnection has the full Connection surface and no behavior.
type ZeroCopyConnection struct{}

func (ZeroCopyConnection) Read([]byte) (int, error)           { return 0, ErrUnimplemented }
func (ZeroCopyConnection) Write([]byte) (int, error)          { return 0, ErrUnimplemented }
func (ZeroCopyConnection) Close() error                       { return nil }
func (c ZeroCopyConnection) Clone() Connection                { return c }
func (ZeroCopyConnection) SetReadTimeout(time.Duration) error { return ErrUnimplemented }
func (ZeroCopyConnection) HeaderSize() int                    { return 0 }

var _ Connection = ZeroCopyConnection{}
