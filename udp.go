//go:build linux

package quic

import (
	"errors"
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// udpSocket marks outgoing datagrams with an ECN codepoint and recovers the
// codepoint off incoming ones via IP_TOS ancillary data, extracting the raw
// fd from the stdlib *net.UDPConn rather than opening a parallel raw socket.
type udpSocket struct {
	conn *net.UDPConn
	fd   int

	wake chan struct{}
}

func listenUDP(addr string, zeroChecksums bool) (Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	fd := netfd.GetFdFromConn(conn)
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTOS, 1); err != nil {
		conn.Close()
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, ecnECT0); err != nil {
		conn.Close()
		return nil, err
	}
	return &udpSocket{conn: conn, fd: fd, wake: make(chan struct{}, 1)}, nil
}

// ReadFromWithTimeout blocks up to timeout for one datagram, reporting the
// ECN codepoint recovered from the IP_TOS control message (§2's "receive
// path hands the ECN codepoint to loss detection" requirement).
func (s *udpSocket) ReadFromWithTimeout(b []byte, timeout time.Duration) (int, net.Addr, int, error) {
	select {
	case <-s.wake:
		return 0, nil, 0, nil
	default:
	}
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	oob := make([]byte, 64)
	n, oobn, _, addr, err := s.conn.ReadMsgUDP(b, oob)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, 0, nil
		}
		return 0, nil, 0, err
	}
	ecn := parseTOSFromOOB(oob[:oobn])
	return n, addr, ecn, nil
}

func (s *udpSocket) WriteTo(b []byte, addr net.Addr) (int, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("quic: non-UDP address")
	}
	return s.conn.WriteToUDP(b, ua)
}

// WakeUp interrupts a blocked ReadFromWithTimeout call, used when the event
// loop needs to recompute its wait (a new connection registered a timer, or
// Close was called) ahead of the current deadline. net.UDPConn allows
// SetReadDeadline to be called concurrently with a pending Read, which is
// what actually unblocks the syscall; the channel only short-circuits the
// next call if it hasn't started reading yet.
func (s *udpSocket) WakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.conn.SetReadDeadline(time.Now())
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// parseTOSFromOOB extracts the IP_TOS/IP_RECVTOS control message from a
// recvmsg ancillary data buffer and returns its ECN bits.
func parseTOSFromOOB(oob []byte) int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return ecnNotECT
	}
	for _, m := range msgs {
		if m.Header.Level == unix.IPPROTO_IP && (m.Header.Type == unix.IP_TOS || m.Header.Type == unix.IP_RECVTOS) {
			if len(m.Data) > 0 {
				return int(m.Data[0]) & 0x3
			}
		}
	}
	return ecnNotECT
}
