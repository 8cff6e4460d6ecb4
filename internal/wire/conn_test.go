package wire

import (
	"net"
	"sync"
	"testing"
	"time"
)

// maskedTextFrame builds a client-side frame the way a browser would send
// it, with the mask bit set.
func maskedTextFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	if len(payload) > maxSingleBytePayload {
		t.Fatalf("helper only supports short payloads")
	}
	maskKey := []byte{0xA1, 0xB2, 0xC3, 0xD4}
	frameBytes := []byte{finBit | byte(OpcodeText), maskBit | byte(len(payload))}
	frameBytes = append(frameBytes, maskKey...)
	for index, value := range payload {
		frameBytes = append(frameBytes, value^maskKey[index%4])
	}
	return frameBytes
}

// drain keeps the peer side of a synchronous pipe readable so writes from
// the connection under test never block.
func drain(peer net.Conn) {
	go func() {
		buffer := make([]byte, 1024)
		for {
			if _, err := peer.Read(buffer); err != nil {
				return
			}
		}
	}()
}

func TestConnDeliversDecodedTextMessages(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConn(serverSide, nil, nil)

	received := make(chan []byte, 2)
	conn.OnText(func(payload []byte) {
		received <- append([]byte(nil), payload...)
	})

	go conn.ReadLoop()
	drain(clientSide)

	first := maskedTextFrame(t, []byte(`{"type":"hello"}`))
	second := maskedTextFrame(t, []byte(`{"type":"request_sync"}`))

	// Split across writes so the connection has to buffer a partial frame.
	combined := append(append([]byte{}, first...), second...)
	if _, err := clientSide.Write(combined[:len(first)+3]); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := clientSide.Write(combined[len(first)+3:]); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for _, expected := range []string{`{"type":"hello"}`, `{"type":"request_sync"}`} {
		select {
		case payload := <-received:
			if string(payload) != expected {
				t.Fatalf("expected %q, got %q", expected, payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", expected)
		}
	}

	conn.Close()
}

func TestConnAnswersPingWithPong(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConn(serverSide, nil, nil)
	go conn.ReadLoop()
	defer conn.Close()

	pingPayload := []byte("keepalive")
	maskKey := []byte{0x01, 0x02, 0x03, 0x04}
	frameBytes := []byte{finBit | byte(OpcodePing), maskBit | byte(len(pingPayload))}
	frameBytes = append(frameBytes, maskKey...)
	for index, value := range pingPayload {
		frameBytes = append(frameBytes, value^maskKey[index%4])
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := clientSide.Write(frameBytes)
		writeDone <- err
	}()

	response := make([]byte, 64)
	_ = clientSide.SetReadDeadline(time.Now().Add(time.Second))
	bytesRead, err := clientSide.Read(response)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("write failed: %v", err)
	}

	frame, _, err := DecodeFrame(response[:bytesRead])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame.Opcode != OpcodePong {
		t.Fatalf("expected pong, got %v", frame.Opcode)
	}
	if string(frame.Payload) != string(pingPayload) {
		t.Fatalf("pong must echo the ping payload, got %q", frame.Payload)
	}
}

func TestConnReportsProtocolErrors(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConn(serverSide, nil, nil)

	errored := make(chan error, 1)
	conn.OnError(func(err error) {
		errored <- err
	})

	go conn.ReadLoop()
	drain(clientSide)

	// Unknown opcode 0x3.
	if _, err := clientSide.Write([]byte{finBit | 0x3, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-errored:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for protocol error")
	}
}

func TestConnCloseIsIdempotentAndSendIsSilentAfterClose(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConn(serverSide, nil, nil)
	drain(clientSide)

	var closedCount int
	var mu sync.Mutex
	conn.OnClose(func() {
		mu.Lock()
		closedCount++
		mu.Unlock()
	})

	conn.Close()
	conn.Close()

	mu.Lock()
	count := closedCount
	mu.Unlock()
	if count != 1 {
		t.Fatalf("expected one close callback, got %d", count)
	}

	if err := conn.SendText([]byte("after close")); err != nil {
		t.Fatalf("send after close must be a silent no-op, got %v", err)
	}
}

func TestConnClosesOnPeerCloseFrame(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	conn := NewConn(serverSide, nil, nil)

	closed := make(chan struct{})
	conn.OnClose(func() {
		close(closed)
	})

	go conn.ReadLoop()
	drain(clientSide)

	maskKey := []byte{0x10, 0x20, 0x30, 0x40}
	frameBytes := []byte{finBit | byte(OpcodeClose), maskBit | 0}
	frameBytes = append(frameBytes, maskKey...)
	if _, err := clientSide.Write(frameBytes); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for close")
	}
}
