//go:build linux

package nodeinspector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const pollInterval = 200 * time.Millisecond

type message struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type response struct {
	ID     *int `json:"id"`
	Result *struct {
		Result *struct {
			Type  string `json:"type"`
			Value any    `json:"value"`
		} `json:"result"`
		ExceptionDetails *exceptionDetails `json:"exceptionDetails"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type exceptionDetails struct {
	Text      string `json:"text"`
	Exception *struct {
		Description string `json:"description"`
	} `json:"exception"`
}

func (e *exceptionDetails) String() string {
	if e.Exception != nil && e.Exception.Description != "" {
		return e.Exception.Description
	}
	return e.Text
}

type inspectorTarget struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var (
	// errNotSelfRegistered is returned when node refused the library as an addon and unloaded it
	errNotSelfRegistered = errors.New("module did not self-register")
	errAddonFailed       = errors.New("addon failed")
	errNoEntry           = errors.New("the addon exports no entry function")
)

// loadAddonExpr loads the addon and calls the function it exports under the entry name.
// It evaluates to false when there is no such function.
const loadAddonExpr = `(() => {
	const addon = {exports: {}};
	process.dlopen(addon, %q);
	const entry = addon.exports[%q];
	if (typeof entry !== "function") {
		return false;
	}
	entry();
	return true;
})()`

// The functions below run in the network namespace of the target, on a locked thread.
// The connection is created manually because the net/http and gorilla/websocket dialers
// may dial from goroutines running on other threads, in the wrong namespace.

func connect(ip net.IP, port int) (net.Conn, error) {
	sa := &syscall.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)

	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := syscall.Connect(fd, sa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("connect: %w", err)
	}
	file := os.NewFile(uintptr(fd), fmt.Sprintf("tcp:%s:%d", ip, port))
	if file == nil {
		syscall.Close(fd)
		return nil, errors.New("failed to create os.File from fd")
	}
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("fileconn: %w", err)
	}
	return conn, nil
}

// connectWait retries until the inspector listens, since it opens asynchronously after SIGUSR1
func connectWait(ctx context.Context, addr string, timeout, interval time.Duration) (net.Conn, error) {
	ip, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		conn, err := connect(ip, port)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func splitAddr(addr string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid inspector address %q: %w", addr, err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, 0, fmt.Errorf("only IPv4 inspector addresses are supported, got: %s", host)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid inspector port %q: %w", portStr, err)
	}
	return ip, port, nil
}

func httpGet(conn net.Conn, path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	req.Host = conn.RemoteAddr().String()
	if err = req.Write(conn); err != nil {
		return nil, fmt.Errorf("error writing request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("response body error: %w", err)
	}
	return body, nil
}

func requestDebuggerURL(log *slog.Logger, conn net.Conn) (string, error) {
	res, err := httpGet(conn, "/json/list")
	if err != nil {
		return "", err
	}
	log.Debug("received inspector targets", "response", string(res))

	var targets []inspectorTarget
	if err := json.Unmarshal(res, &targets); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if len(targets) == 0 || targets[0].WebSocketDebuggerURL == "" {
		return "", errors.New("no debugging targets available")
	}
	return targets[0].WebSocketDebuggerURL, nil
}

// upgradeConn reuses the already established connection for the websocket
func upgradeConn(conn net.Conn, wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return conn, nil
		},
	}
	wsConn, resp, err := dialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return wsConn, err
}

// session correlates the inspector responses with the requests by ID
type session struct {
	log     *slog.Logger
	conn    *websocket.Conn
	mu      sync.Mutex
	pending map[int]chan response
	nextID  int
}

func newSession(log *slog.Logger, conn *websocket.Conn) *session {
	s := &session{log: log, conn: conn, pending: map[int]chan response{}}
	go s.readLoop()
	return s
}

func (s *session) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Debug("inspector connection closed", "error", err)
			}
			s.conn.Close()
			return
		}
		var parsed response
		if err := json.Unmarshal(msg, &parsed); err != nil {
			continue
		}
		if parsed.ID == nil {
			s.log.Debug("inspector event", "payload", string(msg))
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[*parsed.ID]
		delete(s.pending, *parsed.ID)
		s.mu.Unlock()
		if ok {
			ch <- parsed
		}
	}
}

func (s *session) send(ctx context.Context, method string, params map[string]any) (response, error) {
	ch := make(chan response, 1)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = ch
	s.mu.Unlock()

	payload, err := json.Marshal(message{ID: id, Method: method, Params: params})
	if err != nil {
		return response{}, err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return response{}, err
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return response{}, fmt.Errorf("waiting for the response to %s: %w", method, ctx.Err())
	}
}

func (s *session) close() {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.conn.Close()
}

// loadAddon makes node load the library at path as a native addon and runs its entry
func (s *session) loadAddon(ctx context.Context, path, entry string) error {
	if _, err := s.send(ctx, "Runtime.enable", nil); err != nil {
		return fmt.Errorf("failed to enable runtime: %w", err)
	}
	res, err := s.send(ctx, "Runtime.evaluate", map[string]any{
		"expression":            fmt.Sprintf(loadAddonExpr, path, entry),
		"includeCommandLineAPI": true,
		"silent":                true,
		"returnByValue":         true,
	})
	if err != nil {
		return fmt.Errorf("evaluation error: %w", err)
	}
	if res.Result == nil {
		return errors.New("empty evaluation result")
	}
	if ex := res.Result.ExceptionDetails; ex != nil {
		msg := ex.String()
		if strings.Contains(msg, "did not self-register") {
			return fmt.Errorf("%w: %s", errNotSelfRegistered, msg)
		}
		return fmt.Errorf("%w: %s", errAddonFailed, msg)
	}
	if r := res.Result.Result; r == nil || r.Value != true {
		return fmt.Errorf("%w: %s", errNoEntry, entry)
	}
	return nil
}
