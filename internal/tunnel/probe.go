package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	connectTimeout = 1 * time.Second
	probeTimeout   = 5 * time.Second
	writeTimeout   = 2 * time.Second
)

// Prober measures end-to-end tunnel health. A plain TCP connect only proves
// the local agent socket is listening; the HEAD request forces bytes through
// the forward to the remote side, so the measured round trip is real.
type Prober struct {
	clock clockwork.Clock
	dial  func(ctx context.Context, addr string) (net.Conn, error)
}

func NewProber(clock clockwork.Clock) *Prober {
	d := net.Dialer{}
	return &Prober{
		clock: clock,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// PortOpen reports whether anything is listening on the local port.
func (p *Prober) PortOpen(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := p.dial(ctx, loopbackAddr(port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Probe sends an HTTP HEAD through the forward and waits for any response.
// Non-HTTP services answer with a banner or RST; both prove the remote end
// is reachable. Only a read timeout counts as down.
func (p *Prober) Probe(ctx context.Context, port int) (time.Duration, bool) {
	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	conn, err := p.dial(dialCtx, loopbackAddr(port))
	if err != nil {
		return 0, false
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(probeTimeout))
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	start := p.clock.Now()
	conn.Write([]byte("HEAD / HTTP/1.0\r\nHost: localhost\r\nConnection: close\r\n\r\n"))

	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	if err != nil && isTimeout(err) {
		return 0, false
	}
	// Data, EOF, or a reset all mean the remote responded.
	return p.clock.Since(start), true
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func loopbackAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
