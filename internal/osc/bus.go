package osc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"
	"golang.org/x/sys/unix"
)

// readTimeout is the read deadline for bus listener sockets. Short enough
// that listener goroutines observe shutdown promptly.
const readTimeout = 100 * time.Millisecond

// maxDatagram is the largest OSC datagram the bus will accept.
const maxDatagram = 1536

// HandlerFunc handles one decoded OSC message. The message address has
// already matched the registered pattern; ch carries the captured channel
// id for patterns containing "{ch}", and -1 otherwise.
type HandlerFunc func(msg *goosc.Message, ch int)

type route struct {
	re      *regexp.Regexp
	capture bool
	fn      HandlerFunc
}

// Listener receives OSC datagrams on a reuse-port UDP socket and
// dispatches decoded messages to registered handlers by address pattern.
// Unknown addresses and surplus arguments are tolerated per the bus
// contract: unmatched messages are counted and dropped at debug level.
type Listener struct {
	conn   *net.UDPConn
	logger *slog.Logger
	stats  *Stats

	mu     sync.Mutex
	routes []route

	done chan struct{}
	wg   sync.WaitGroup
}

// NewListener binds a reuse-port UDP socket on 0.0.0.0:port. Where the
// reuse-port option is unavailable the socket falls back to an ordinary
// single-listener bind. Port 0 binds an ephemeral port (tests).
func NewListener(port int, logger *slog.Logger, stats *Stats) (*Listener, error) {
	if port != 0 {
		if err := ValidatePort(port); err != nil {
			return nil, err
		}
	}
	conn, err := listenReusePort(port)
	if err != nil {
		return nil, fmt.Errorf("binding udp port %d: %w", port, err)
	}
	return &Listener{
		conn:   conn,
		logger: logger.With("subsystem", "osc-listener", "port", port),
		stats:  stats,
		done:   make(chan struct{}),
	}, nil
}

// Handle registers a handler for an address pattern. Patterns are literal
// OSC addresses with an optional "{ch}" placeholder capturing a decimal
// channel id, e.g. "/ppg/{ch}" or "/loop/start".
func (l *Listener) Handle(pattern string, fn HandlerFunc) {
	capture := strings.Contains(pattern, "{ch}")
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\{ch\}`, `(\d+)`) + "$"
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes = append(l.routes, route{re: regexp.MustCompile(expr), capture: capture, fn: fn})
}

// Start begins the receive loop in a background goroutine.
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.readLoop()
}

// Close stops the receive loop and closes the socket.
func (l *Listener) Close() error {
	close(l.done)
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

// LocalPort returns the bound UDP port.
func (l *Listener) LocalPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-l.done:
				return
			default:
			}
			l.logger.Debug("udp read error", "error", err)
			continue
		}

		pkt, err := goosc.ParsePacket(string(buf[:n]))
		if err != nil {
			l.stats.Increment("malformed_packets")
			l.logger.Debug("malformed osc packet", "bytes", n, "error", err)
			continue
		}
		l.dispatchPacket(pkt)
	}
}

func (l *Listener) dispatchPacket(pkt goosc.Packet) {
	switch p := pkt.(type) {
	case *goosc.Message:
		l.dispatchMessage(p)
	case *goosc.Bundle:
		for _, msg := range p.Messages {
			l.dispatchMessage(msg)
		}
		for _, nested := range p.Bundles {
			l.dispatchPacket(nested)
		}
	}
}

func (l *Listener) dispatchMessage(msg *goosc.Message) {
	l.stats.Increment("total_messages")

	l.mu.Lock()
	routes := l.routes
	l.mu.Unlock()

	// Every matching handler receives the message: several subsystems
	// legitimately subscribe to the same pattern on a shared port (the
	// processor and the sampler both watch /ppg/{ch}).
	matched := false
	for _, r := range routes {
		m := r.re.FindStringSubmatch(msg.Address)
		if m == nil {
			continue
		}
		matched = true
		ch := -1
		if r.capture {
			ch = atoiFast(m[1])
		}
		r.fn(msg, ch)
	}
	if matched {
		return
	}

	// Receivers must tolerate unknown addresses.
	l.stats.Increment("unmatched_messages")
	l.logger.Debug("unmatched osc address", "address", msg.Address)
}

func atoiFast(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

// Broadcaster publishes OSC messages to every reuse-port listener bound to
// a given UDP port, by sending each datagram to the broadcast address.
type Broadcaster struct {
	conn   net.PacketConn
	dest   *net.UDPAddr
	logger *slog.Logger

	mu sync.Mutex
}

// NewBroadcaster creates a publisher targeting host:port. host is normally
// the limited broadcast address 255.255.255.255; a unicast host works too
// (used by tests and by offline tooling).
func NewBroadcaster(host string, port int, logger *slog.Logger) (*Broadcaster, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid broadcast host %q", host)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	conn, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("opening broadcast socket: %w", err)
	}

	return &Broadcaster{
		conn:   conn,
		dest:   &net.UDPAddr{IP: ip, Port: port},
		logger: logger.With("subsystem", "osc-broadcast", "port", port),
	}, nil
}

// Send marshals and publishes a single message. UDP loss is accepted
// silently per the bus contract; send errors are logged at debug level
// and swallowed.
func (b *Broadcaster) Send(msg *goosc.Message) {
	data, err := msg.MarshalBinary()
	if err != nil {
		b.logger.Debug("osc marshal error", "address", msg.Address, "error", err)
		return
	}
	b.mu.Lock()
	_, err = b.conn.WriteTo(data, b.dest)
	b.mu.Unlock()
	if err != nil {
		b.logger.Debug("osc send error", "address", msg.Address, "error", err)
	}
}

// Close releases the publisher socket.
func (b *Broadcaster) Close() error {
	return b.conn.Close()
}

// listenReusePort binds a UDP socket with SO_REUSEPORT (and SO_REUSEADDR)
// so multiple processes can share the port and each receive all datagrams.
func listenReusePort(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					opErr = err
					return
				}
				// Best effort: fall back to single-listener behaviour
				// where the platform lacks SO_REUSEPORT.
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, err
	}
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", conn)
	}
	return udp, nil
}
