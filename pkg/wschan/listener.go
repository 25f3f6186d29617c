package wschan

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/semver"
)

const listenerLogPrefix = "wschan:listener"

// DefaultHandshakeTimeout bounds the wait for the hello frame.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrRejected is returned by Dial when the agent refuses the hello.
var ErrRejected = errors.New("handshake rejected")

// Hello is the first frame an external application sends.
type Hello struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Reconnected bool   `json:"reconnected,omitempty"`
}

// Welcome answers a Hello. Error is set when the peer is refused.
type Welcome struct {
	ClientID string             `json:"clientId,omitempty"`
	Agent    channel.ClientInfo `json:"agent"`
	Error    string             `json:"error,omitempty"`
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// Self is the agent identity sent back in the welcome.
	Self channel.ClientInfo
	// Constraint is the semver constraint peer versions must satisfy.
	Constraint string
	// ConstraintFor, when set, overrides Constraint per peer name.
	ConstraintFor    func(name string) string
	HandshakeTimeout time.Duration
	// OnConnect receives every accepted connection.
	OnConnect func(ch *Channel)
}

// Listener upgrades HTTP requests to peer channels.
type Listener struct {
	opts     ListenerOptions
	upgrader websocket.Upgrader
}

// NewListener creates a Listener.
func NewListener(opts ListenerOptions) *Listener {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Listener{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     CheckOrigin,
		},
	}
}

// CheckOrigin accepts extension pages, non-browser clients that send no
// origin, and loopback pages.
func CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || strings.HasPrefix(origin, "chrome-extension://") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - upgrade from %s failed: %v", listenerLogPrefix, r.RemoteAddr, err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(l.opts.HandshakeTimeout))
	var hello Hello
	if err := conn.ReadJSON(&hello); err != nil {
		slog.Warn(fmt.Sprintf("%s - no hello from %s: %v", listenerLogPrefix, r.RemoteAddr, err))
		_ = conn.Close()
		return
	}
	if err := l.accept(hello); err != nil {
		slog.Warn(fmt.Sprintf("%s - rejected %s@%s: %v", listenerLogPrefix, hello.Name, hello.Version, err))
		_ = conn.WriteJSON(Welcome{Agent: l.opts.Self, Error: err.Error()})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	peer := channel.NewExternalClient(hello.Name, hello.Version)
	peer.Reconnected = hello.Reconnected
	if err := conn.WriteJSON(Welcome{ClientID: peer.ID, Agent: l.opts.Self}); err != nil {
		slog.Warn(fmt.Sprintf("%s - welcome to %s failed: %v", listenerLogPrefix, hello.Name, err))
		_ = conn.Close()
		return
	}

	ch := newChannel(conn, l.opts.Self, peer)
	slog.Info(fmt.Sprintf("%s - %s connected (version=%s reconnected=%t)", listenerLogPrefix, peer.Name, peer.Version, peer.Reconnected))
	if l.opts.OnConnect != nil {
		l.opts.OnConnect(ch)
	}
}

func (l *Listener) accept(hello Hello) error {
	if !semver.ValidatePeerName(hello.Name) {
		return fmt.Errorf("invalid peer name %q", hello.Name)
	}
	constraint := l.opts.Constraint
	if l.opts.ConstraintFor != nil {
		constraint = l.opts.ConstraintFor(hello.Name)
	}
	return semver.CheckCompatible(hello.Version, constraint)
}
