package ibtws

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// mockConn implements net.Conn for testing.
type mockConn struct {
	mu           sync.Mutex
	readBuf      *bytes.Buffer
	writeBuf     *bytes.Buffer
	closed       bool
	readDeadline time.Time
	readErr      error
	writeErr     error
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:  new(bytes.Buffer),
		writeBuf: new(bytes.Buffer),
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.EOF
	}
	if m.readErr != nil {
		return 0, m.readErr
	}

	// With a deadline set, an empty buffer behaves like a poll timeout,
	// which is what the read loop expects.
	if m.readBuf.Len() == 0 && !m.readDeadline.IsZero() {
		return 0, &mockTimeoutError{}
	}

	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.ErrClosedPipe
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}

	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr {
	return &mockAddr{network: "tcp", addr: "127.0.0.1:12345"}
}

func (m *mockConn) RemoteAddr() net.Addr {
	return &mockAddr{network: "tcp", addr: "127.0.0.1:7497"}
}

func (m *mockConn) SetDeadline(t time.Time) error {
	return m.SetReadDeadline(t)
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// QueueResponse queues raw bytes to be read.
func (m *mockConn) QueueResponse(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(data)
}

// QueueFrame queues one framed server message built from fields.
func (m *mockConn) QueueFrame(fields ...any) {
	m.QueueResponse(frame(message(fields...)))
}

// GetWritten returns everything written to the connection.
func (m *mockConn) GetWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.writeBuf.Len())
	copy(out, m.writeBuf.Bytes())
	return out
}

func (m *mockConn) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

func (m *mockConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// writtenFrames decodes every complete frame in raw into its fields.
func writtenFrames(raw []byte) [][]string {
	var out [][]string
	for len(raw) >= 4 {
		size := frameLen(raw)
		if size <= 0 || len(raw) < 4+size {
			break
		}
		body := string(raw[4 : 4+size])
		out = append(out, strings.Split(strings.TrimSuffix(body, "\x00"), "\x00"))
		raw = raw[4+size:]
	}
	return out
}

// mockAddr implements net.Addr.
type mockAddr struct {
	network string
	addr    string
}

func (a *mockAddr) Network() string { return a.network }
func (a *mockAddr) String() string  { return a.addr }

// mockTimeoutError implements net.Error for timeout.
type mockTimeoutError struct{}

func (e *mockTimeoutError) Error() string   { return "timeout" }
func (e *mockTimeoutError) Timeout() bool   { return true }
func (e *mockTimeoutError) Temporary() bool { return true }
