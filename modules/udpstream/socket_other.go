//go:build !linux

package udpstream

import (
	"fmt"
	"net"
)

// connWriter falls back to net.UDPConn where sendmsg scatter-gather is not
// wired. The two iovecs are joined into one datagram.
type connWriter struct {
	conn *net.UDPConn
	buf  []byte
}

func dialSocket(addr string) (*connWriter, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpstream: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, ua)
	if err != nil {
		return nil, fmt.Errorf("udpstream: dial %s: %w", addr, err)
	}
	return &connWriter{conn: conn}, nil
}

func (c *connWriter) WriteBuffers(bufs [][]byte) error {
	c.buf = c.buf[:0]
	for _, b := range bufs {
		c.buf = append(c.buf, b...)
	}
	_, err := c.conn.Write(c.buf)
	return err
}

func (c *connWriter) Close() error {
	return c.conn.Close()
}
