package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentforge/deskrun/internals/timeouts"
)

// Engine.IO v4 packet types, and the Socket.IO packet types carried in a message.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

var ErrConnectRejected = errors.New("socket.io connect rejected")

// SocketURL maps an http(s) base URL to the Socket.IO websocket endpoint.
func SocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

func basicAuth(creds Credentials) string {
	token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	return "Basic " + token
}

// SocketDialer dials the Socket.IO server over a plain websocket transport.
func SocketDialer(baseURL string, logger *slog.Logger) Dialer {
	return func(ctx context.Context, creds Credentials, onEvent func(json.RawMessage)) (Stream, error) {
		endpoint, err := SocketURL(baseURL)
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("Authorization", basicAuth(creds))

		dialCtx, cancel := context.WithTimeout(ctx, timeouts.StreamConnect)
		defer cancel()

		conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}

		s := &socket{
			conn:      conn,
			onEvent:   onEvent,
			logger:    logger,
			connected: make(chan struct{}),
			done:      make(chan struct{}),
		}
		go s.readLoop()

		select {
		case <-s.connected:
			return s, nil
		case <-s.done:
			return nil, s.failure()
		case <-dialCtx.Done():
			_ = s.Close()
			return nil, fmt.Errorf("waiting for socket.io connect: %w", dialCtx.Err())
		}
	}
}

// openPacket carries the heartbeat contract, in milliseconds.
type openPacket struct {
	PingInterval int `json:"pingInterval"`
	PingTimeout  int `json:"pingTimeout"`
}

type socket struct {
	conn    *websocket.Conn
	onEvent func(json.RawMessage)
	logger  *slog.Logger

	// liveness is only touched by readLoop.
	liveness time.Duration

	writeMu sync.Mutex

	connectOnce sync.Once
	connected   chan struct{}

	doneOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error

	closeOnce sync.Once
}

func (s *socket) Emit(event string, payload any) error {
	encoded, err := json.Marshal([]any{event, payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return s.write(string([]byte{eioMessage, sioEvent}) + string(encoded))
}

func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.write(string([]byte{eioMessage, sioDisconnect}))
		err = s.conn.Close()
	})
	return err
}

func (s *socket) Done() <-chan struct{} {
	return s.done
}

func (s *socket) write(packet string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(packet))
}

func (s *socket) finish(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

func (s *socket) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return errors.New("socket closed before connect")
	}
	return s.err
}

func (s *socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			_ = s.conn.Close()
			s.logger.Info("Disconnected from event stream", slog.String("error", err.Error()))
			return
		}
		s.extendDeadline()
		if stop := s.handlePacket(data); stop != nil {
			s.finish(stop)
			_ = s.conn.Close()
			return
		}
	}
}

func (s *socket) handlePacket(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case eioOpen:
		var open openPacket
		if err := json.Unmarshal(data[1:], &open); err == nil {
			s.liveness = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
		}
		s.extendDeadline()
		return s.write(string([]byte{eioMessage, sioConnect}))
	case eioPing:
		return s.write(string(eioPong))
	case eioClose:
		return errors.New("server closed engine.io session")
	case eioMessage:
		return s.handleMessage(data[1:])
	}
	return nil
}

// extendDeadline fails the read loop when the server misses a heartbeat.
func (s *socket) extendDeadline() {
	if s.liveness <= 0 {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.liveness))
}

func (s *socket) handleMessage(packet []byte) error {
	if len(packet) == 0 {
		return nil
	}
	switch packet[0] {
	case sioConnect:
		s.connectOnce.Do(func() { close(s.connected) })
	case sioConnectError:
		return fmt.Errorf("%w: %s", ErrConnectRejected, strings.TrimSpace(string(packet[1:])))
	case sioDisconnect:
		return errors.New("server disconnected namespace")
	case sioEvent:
		name, arg, ok := decodeEvent(packet[1:])
		if ok && name == "event" && arg != nil {
			s.onEvent(arg)
		}
	}
	return nil
}

// decodeEvent parses `[name, arg, ...]`, skipping an optional namespace and ack id.
func decodeEvent(body []byte) (string, json.RawMessage, bool) {
	start := strings.IndexByte(string(body), '[')
	if start < 0 {
		return "", nil, false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(body[start:], &parts); err != nil || len(parts) == 0 {
		return "", nil, false
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, false
	}
	if len(parts) < 2 {
		return name, nil, true
	}
	return name, parts[1], true
}
