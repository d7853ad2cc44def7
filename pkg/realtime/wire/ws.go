// Package wire implements the WebSocket framing used by terminal
// connections.
package wire

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	OpText  byte = 0x1
	OpClose byte = 0x8
	OpPing  byte = 0x9
	OpPong  byte = 0xA

	websocketMagicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

// Config controls upgrade validation and connection limits.
type Config struct {
	// AllowedOrigins is an exact-match allow-list. Empty allows all
	// origins (terminals are non-browser clients in the common case).
	AllowedOrigins []string
	ReadLimit      int
	WriteTimeout   time.Duration
}

// DefaultConfig returns defaults tuned for terminal traffic.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{},
		ReadLimit:      65536,
		WriteTimeout:   10 * time.Second,
	}
}

// Conn is one upgraded WebSocket connection. Writes are serialized.
type Conn struct {
	conn         net.Conn
	rw           *bufio.ReadWriter
	readLimit    int
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

// Upgrade validates the handshake and hijacks the HTTP connection.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	cfg = normalizeConfig(cfg)

	if err := validateWebSocketHeaders(r, cfg); err != nil {
		return nil, err
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("response does not support hijacking")
	}

	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	accept := computeWebSocketAccept(strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")))
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Conn{
		conn:         conn,
		rw:           rw,
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// WriteJSON marshals payload and sends it as one text frame.
func (c *Conn) WriteJSON(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.WriteFrame(OpText, raw)
}

// WriteFrame sends one unmasked server frame.
func (c *Conn) WriteFrame(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	header := make([]byte, 0, 14)
	header = append(header, 0x80|opcode)

	payloadLen := len(payload)
	switch {
	case payloadLen < 126:
		header = append(header, byte(payloadLen))
	case payloadLen <= 65535:
		header = append(header, 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(payloadLen))
		header = append(header, ext[:]...)
	default:
		header = append(header, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(payloadLen))
		header = append(header, ext[:]...)
	}

	if _, err := c.rw.Write(header); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := c.rw.Write(payload); err != nil {
			return err
		}
	}
	return c.rw.Flush()
}

// ReadFrame reads one client frame, unmasking the payload.
func (c *Conn) ReadFrame() (byte, []byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return 0, nil, err
	}

	opcode := header[0] & 0x0F
	masked := (header[1] & 0x80) != 0
	payloadLen := int(header[1] & 0x7F)

	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return 0, nil, err
		}
		payloadLen = int(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return 0, nil, err
		}
		size := binary.BigEndian.Uint64(ext[:])
		if size > uint64(c.readLimit) {
			return 0, nil, fmt.Errorf("websocket frame too large")
		}
		payloadLen = int(size)
	}

	if payloadLen > c.readLimit {
		return 0, nil, fmt.Errorf("websocket frame too large")
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(c.rw, mask[:]); err != nil {
			return 0, nil, err
		}
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return 0, nil, err
		}
	}

	if masked {
		for idx := 0; idx < payloadLen; idx++ {
			payload[idx] ^= mask[idx%4]
		}
	}

	return opcode, payload, nil
}

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaults.ReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	return cfg
}

func validateWebSocketHeaders(r *http.Request, cfg Config) error {
	if !headerHasToken(r.Header, "Connection", "upgrade") || !headerHasToken(r.Header, "Upgrade", "websocket") {
		return fmt.Errorf("websocket upgrade headers missing")
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Version")) != "13" {
		return fmt.Errorf("unsupported websocket version")
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")) == "" {
		return fmt.Errorf("missing websocket key")
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin, cfg.AllowedOrigins) {
		return fmt.Errorf("websocket origin %q is not allowed", origin)
	}
	return nil
}

func isAllowedOrigin(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

func headerHasToken(headers http.Header, key, expected string) bool {
	for _, value := range headers.Values(key) {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), expected) {
				return true
			}
		}
	}
	return false
}

func computeWebSocketAccept(secKey string) string {
	sum := sha1.Sum([]byte(secKey + websocketMagicGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
