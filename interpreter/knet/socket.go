package knet

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Conn.Recv when no frame arrived within
// the receive timeout.
var ErrTimeout = errors.New("receive timeout")

// Conn is a raw link-layer socket.
type Conn interface {
	// Recv reads one frame into buf and returns its length and the
	// index of the interface it arrived on. A zero length means the
	// frame should be ignored.
	Recv(buf []byte) (n int, ifindex int, err error)
	// Send transmits one frame out of ifindex.
	Send(frame []byte, ifindex int) error
	Close() error
}

// recvTimeout bounds how long the receive loop blocks before it looks
// for a stop request.
const recvTimeout = 100 * time.Millisecond

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

type packetConn struct {
	fd int
}

// DialPacket opens an AF_PACKET socket receiving every protocol on
// every interface. It requires CAP_NET_RAW.
func DialPacket() (Conn, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("open packet socket: %w", err)
	}
	tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	return &packetConn{fd: fd}, nil
}

func (c *packetConn) Recv(buf []byte) (int, int, error) {
	n, from, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, 0, ErrTimeout
		}
		return 0, 0, fmt.Errorf("recvfrom: %w", err)
	}
	sa, ok := from.(*unix.SockaddrLinklayer)
	if !ok || sa.Pkttype == unix.PACKET_OUTGOING {
		return 0, 0, nil
	}
	return n, sa.Ifindex, nil
}

func (c *packetConn) Send(frame []byte, ifindex int) error {
	sa := &unix.SockaddrLinklayer{Ifindex: ifindex, Protocol: htons(unix.ETH_P_ALL)}
	if err := unix.Sendto(c.fd, frame, 0, sa); err != nil {
		return fmt.Errorf("sendto ifindex %d: %w", ifindex, err)
	}
	return nil
}

func (c *packetConn) Close() error {
	return unix.Close(c.fd)
}
