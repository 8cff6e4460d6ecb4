package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	readChunkSize     = 4096
	closeWriteTimeout = time.Second
)

// Conn wraps one hijacked socket and surfaces decoded text messages and
// lifecycle events. Partial frames are buffered across reads inside the
// connection; callers only ever see whole messages.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	logger *zap.Logger

	onText  func(payload []byte)
	onClose func()
	onError func(err error)

	writeMu sync.Mutex
	closed  bool
}

// NewConn builds a Conn over an established transport. The reader argument
// may carry bytes already buffered during the upgrade handshake.
func NewConn(raw net.Conn, reader *bufio.Reader, logger *zap.Logger) *Conn {
	if reader == nil {
		reader = bufio.NewReader(raw)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		raw:    raw,
		reader: reader,
		logger: logger,
	}
}

// OnText registers the handler invoked once per decoded text message.
func (c *Conn) OnText(handler func(payload []byte)) {
	c.onText = handler
}

// OnClose registers the handler invoked exactly once when the connection is
// released, regardless of which side initiated the close.
func (c *Conn) OnClose(handler func()) {
	c.onClose = handler
}

// OnError registers the handler invoked for protocol and transport failures
// that are not benign peer-gone conditions.
func (c *Conn) OnError(handler func(err error)) {
	c.onError = handler
}

// ReadLoop consumes the transport until close or failure. It blocks the
// calling goroutine for the lifetime of the connection.
func (c *Conn) ReadLoop() {
	defer c.Close()

	var buffer []byte
	chunk := make([]byte, readChunkSize)
	for {
		bytesRead, readErr := c.reader.Read(chunk)
		if bytesRead > 0 {
			buffer = append(buffer, chunk[:bytesRead]...)
			remaining, stop, frameErr := c.drainFrames(buffer)
			if frameErr != nil {
				c.reportError(frameErr)
				return
			}
			if stop {
				return
			}
			buffer = remaining
		}
		if readErr != nil {
			if !isBenignTransportError(readErr) && !errors.Is(readErr, io.EOF) {
				c.reportError(readErr)
			}
			return
		}
	}
}

// drainFrames decodes every complete frame in buffer and returns the
// unconsumed tail. stop is true after an orderly close frame.
func (c *Conn) drainFrames(buffer []byte) ([]byte, bool, error) {
	for {
		frame, consumed, err := DecodeFrame(buffer)
		if errors.Is(err, ErrIncompleteFrame) {
			return buffer, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		buffer = buffer[consumed:]

		switch frame.Opcode {
		case OpcodeText:
			if c.onText != nil {
				c.onText(frame.Payload)
			}
		case OpcodePing:
			if err := c.writeFrame(OpcodePong, frame.Payload); err != nil {
				return nil, false, err
			}
		case OpcodePong:
			// Keep-alive answer, nothing to do.
		case OpcodeClose:
			return nil, true, nil
		}
	}
}

// SendText writes one text message. Sending on a closed connection is a
// silent no-op so broadcast loops never have to special-case departed
// members. Benign peer-gone failures close the connection without
// surfacing an error.
func (c *Conn) SendText(payload []byte) error {
	err := c.writeFrame(OpcodeText, payload)
	if err == nil {
		return nil
	}
	if isBenignTransportError(err) {
		c.Close()
		return nil
	}
	c.logger.Warn("connection write failed", zap.Error(err))
	c.Close()
	return err
}

func (c *Conn) writeFrame(opcode Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	_, err := c.raw.Write(EncodeFrame(opcode, payload))
	return err
}

// Close releases the transport. It is idempotent and sends one close frame
// on a best-effort basis before tearing the socket down.
func (c *Conn) Close() {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return
	}
	c.closed = true
	_ = c.raw.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	_, _ = c.raw.Write(EncodeFrame(OpcodeClose, nil))
	_ = c.raw.Close()
	c.writeMu.Unlock()

	if c.onClose != nil {
		c.onClose()
	}
}

func (c *Conn) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// isBenignTransportError reports whether a read or write failure only means
// the peer is already gone.
func isBenignTransportError(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
