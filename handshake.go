package wsclient

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Header is one extra header line a caller may attach to the opening
// handshake request. A slice (rather than a map) keeps emission order
// deterministic, which matters for servers that are picky about header
// ordering and for reproducible tests.
type Header struct {
	Name  string
	Value string
}

// HandshakeConfig parameterizes the client opening handshake (spec §4.1).
type HandshakeConfig struct {
	Host         string
	Path         string // defaults to "/"
	Origin       string // omitted if empty
	Subprotocols []string
	ExtraHeaders []Header
}

var protocolCriticalHeaders = map[string]bool{
	"host":                   true,
	"upgrade":                true,
	"connection":             true,
	"sec-websocket-key":      true,
	"sec-websocket-version":  true,
	"sec-websocket-protocol": true,
	"sec-websocket-accept":   true,
}

func isProtocolCriticalHeader(name string) bool {
	return protocolCriticalHeaders[strings.ToLower(name)]
}

// BuildHandshakeRequest renders the client's opening handshake GET request
// (RFC 6455 Section 4.1) and returns the bytes to send along with the
// randomly generated Sec-WebSocket-Key, which the caller must retain to
// validate the eventual Sec-WebSocket-Accept response header.
func BuildHandshakeRequest(cfg HandshakeConfig) (req []byte, key string, err error) {
	seen := make(map[string]bool, len(cfg.Subprotocols))
	for _, p := range cfg.Subprotocols {
		if seen[p] {
			return nil, "", fmt.Errorf("%w: %s", ErrDuplicateSubproto, p)
		}
		seen[p] = true
	}

	var keyBytes [16]byte
	if _, err := rand.Read(keyBytes[:]); err != nil {
		return nil, "", err
	}
	key = base64.StdEncoding.EncodeToString(keyBytes[:])

	path := cfg.Path
	if path == "" {
		path = "/"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", cfg.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if cfg.Origin != "" {
		fmt.Fprintf(&b, "Origin: %s\r\n", cfg.Origin)
	}
	if len(cfg.Subprotocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(cfg.Subprotocols, ", "))
	}
	for _, h := range cfg.ExtraHeaders {
		if isProtocolCriticalHeader(h.Name) {
			return nil, "", fmt.Errorf("%w: %s", ErrHeaderNotAllowed, h.Name)
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")

	return b.Bytes(), key, nil
}

// HandshakeResponseParser accumulates bytes fed incrementally by the
// transport until a complete HTTP response header block ("\r\n\r\n") has
// arrived, then validates it. It never blocks on a socket: the session feeds
// it whatever bytes arrived, in whatever chunk sizes the transport delivered
// them.
type HandshakeResponseParser struct {
	buf bytes.Buffer
}

// Feed appends b to the accumulated response bytes. done is true once a
// full header block has been seen; rest is any bytes past the header
// block (the start of the post-handshake WebSocket frame stream, if the
// server pipelined data) and must be replayed into the frame Parser.
func (p *HandshakeResponseParser) Feed(b []byte) (done bool, rest []byte) {
	p.buf.Write(b)
	idx := bytes.Index(p.buf.Bytes(), []byte("\r\n\r\n"))
	if idx < 0 {
		return false, nil
	}
	headerEnd := idx + 4
	full := p.buf.Bytes()
	rest = append([]byte(nil), full[headerEnd:]...)
	return true, rest
}

// Validate parses the accumulated header block and checks it against RFC
// 6455 Section 4.1's client requirements: 101 status, Upgrade/Connection
// headers, a matching Sec-WebSocket-Accept, a subprotocol the client
// actually offered (if any), and no unrequested extensions. It returns the
// negotiated subprotocol, or an error wrapping one of the ErrHandshake*
// sentinels.
func (p *HandshakeResponseParser) Validate(key string, cfg HandshakeConfig) (subprotocol string, err error) {
	br := bufio.NewReader(bytes.NewReader(p.buf.Bytes()))
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeStatus, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return "", fmt.Errorf("%w: got %d", ErrHandshakeStatus, resp.StatusCode)
	}
	if !headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return "", fmt.Errorf("%w: missing Upgrade: websocket", ErrHandshakeHeader)
	}
	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return "", fmt.Errorf("%w: missing Connection: Upgrade", ErrHandshakeHeader)
	}

	expectedAccept := computeAcceptKey(key)
	if resp.Header.Get("Sec-WebSocket-Accept") != expectedAccept {
		return "", ErrHandshakeAccept
	}

	if ext := resp.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		return "", fmt.Errorf("%w: %s", ErrHandshakeExtension, ext)
	}

	subprotocol = resp.Header.Get("Sec-WebSocket-Protocol")
	if subprotocol != "" {
		ok := false
		for _, offered := range cfg.Subprotocols {
			if offered == subprotocol {
				ok = true
				break
			}
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrHandshakeSubproto, subprotocol)
		}
	}

	return subprotocol, nil
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
