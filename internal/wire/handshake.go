package wire

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// handshakeGUID is the fixed key-derivation constant of the upgrade
// handshake (RFC 6455 §1.3).
const handshakeGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const supportedProtocolVersion = "13"

var (
	// ErrHandshakeRejected reports an upgrade request that does not carry
	// the required handshake headers.
	ErrHandshakeRejected = errors.New("wire: upgrade handshake rejected")
	// ErrHijackUnsupported reports a response writer that cannot yield
	// the underlying transport.
	ErrHijackUnsupported = errors.New("wire: response writer does not support hijacking")
)

// Upgrade performs the single-round-trip HTTP upgrade handshake and returns
// the live connection. On rejection the HTTP response has already been
// written and the request terminated.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Conn, error) {
	if err := validateHandshake(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, ErrHijackUnsupported.Error(), http.StatusInternalServerError)
		return nil, ErrHijackUnsupported
	}
	raw, buffered, err := hijacker.Hijack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHijackUnsupported, err)
	}

	accept := acceptKey(r.Header.Get("Sec-WebSocket-Key"))
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := raw.Write([]byte(response)); err != nil {
		_ = raw.Close()
		return nil, err
	}

	return NewConn(raw, buffered.Reader, logger), nil
}

func validateHandshake(r *http.Request) error {
	if r.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrHandshakeRejected, r.Method)
	}
	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("%w: missing upgrade protocol", ErrHandshakeRejected)
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return fmt.Errorf("%w: missing connection upgrade", ErrHandshakeRejected)
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")) == "" {
		return fmt.Errorf("%w: missing handshake key", ErrHandshakeRejected)
	}
	if r.Header.Get("Sec-WebSocket-Version") != supportedProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version", ErrHandshakeRejected)
	}
	return nil
}

func headerContainsToken(headerValue, token string) bool {
	for _, part := range strings.Split(headerValue, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func acceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(clientKey) + handshakeGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
