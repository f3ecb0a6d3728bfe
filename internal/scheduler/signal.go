package scheduler

import (
	"fmt"
	"log/slog"
	"net"
)

const wakeMessage = "check_queue"

// SendWake pokes the scheduler's UDP signal port so it re-reads the queue
// immediately instead of waiting out its poll interval. Delivery is
// best-effort; the scheduler polls anyway.
func SendWake(port int) {
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		slog.Debug("scheduler wake signal failed", "port", port, "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(wakeMessage)); err != nil {
		slog.Debug("scheduler wake signal failed", "port", port, "error", err)
	}
}

type signalListener struct {
	conn *net.UDPConn
	wake chan struct{}
}

// listenWake binds the signal port and converts incoming wake datagrams into
// a coalesced channel signal. A bind failure is not fatal: the scheduler
// falls back to pure polling.
func listenWake(port int) *signalListener {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		slog.Warn("signal port unavailable, relying on polling only", "port", port, "error", err)
		return &signalListener{wake: make(chan struct{}, 1)}
	}

	l := &signalListener{conn: conn, wake: make(chan struct{}, 1)}
	go l.readLoop()
	slog.Info("listening for wake signals", "port", port)
	return l
}

func (l *signalListener) readLoop() {
	buf := make([]byte, 64)
	for {
		// The datagram itself is the signal; the payload is drained and
		// ignored so any sender can wake the scheduler.
		if _, _, err := l.conn.ReadFromUDP(buf); err != nil {
			return
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

func (l *signalListener) close() {
	if l.conn != nil {
		l.conn.Close()
	}
}
