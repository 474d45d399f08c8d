//go:build linux

package udpstream

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// socketWriter is a connected, non-blocking UDP socket. Each WriteBuffers is
// one sendmsg(2) with MSG_DONTWAIT, so a full send buffer surfaces as
// EAGAIN/ENOBUFS instead of blocking the sender.
type socketWriter struct {
	fd int
}

func dialSocket(addr string) (*socketWriter, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpstream: resolve %s: %w", addr, err)
	}

	var (
		domain int
		sa     unix.Sockaddr
	)
	if ip4 := ua.IP.To4(); ip4 != nil || ua.IP == nil {
		domain = unix.AF_INET
		s := &unix.SockaddrInet4{Port: ua.Port}
		if ip4 != nil {
			copy(s.Addr[:], ip4)
		} else {
			s.Addr = [4]byte{127, 0, 0, 1}
		}
		sa = s
	} else {
		domain = unix.AF_INET6
		s := &unix.SockaddrInet6{Port: ua.Port}
		copy(s.Addr[:], ua.IP.To16())
		sa = s
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("udpstream: socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udpstream: connect %s: %w", addr, err)
	}
	return &socketWriter{fd: fd}, nil
}

func (s *socketWriter) WriteBuffers(bufs [][]byte) error {
	want := 0
	for _, b := range bufs {
		want += len(b)
	}

	n, err := unix.SendmsgBuffers(s.fd, bufs, nil, nil, unix.MSG_DONTWAIT)
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("udpstream: short datagram write %d/%d bytes", n, want)
	}
	return nil
}

func (s *socketWriter) Close() error {
	return unix.Close(s.fd)
}
