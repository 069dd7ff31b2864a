package forwarder

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// udpQueryBufSize is the maximum size of a single UDP datagram this forwarder
// will read; DNS-over-UDP messages larger than this (EDNS0 excepted, which
// still fits comfortably) are not expected from well-behaved clients.
const udpQueryBufSize = 4096

// serveUDP reads datagrams from pc in a dedicated goroutine and spawns one
// detached task per query, so a slow or stuck upstream never blocks the
// receive loop.
func (f *Forwarder) serveUDP(pc net.PacketConn) {
	f.wg.Add(1)

	go func() {
		defer f.wg.Done()
		defer slogutil.RecoverAndLog(context.Background(), f.logger)

		buf := make([]byte, udpQueryBufSize)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}

			query := make([]byte, n)
			copy(query, buf[:n])

			f.wg.Add(1)
			go f.handleUDP(pc, addr, query)
		}
	}()
}

func (f *Forwarder) handleUDP(pc net.PacketConn, addr net.Addr, query []byte) {
	defer f.wg.Done()
	defer slogutil.RecoverAndLog(context.Background(), f.logger)

	resp, ok := f.exchange(query)
	if !ok {
		return
	}

	_, _ = pc.WriteTo(resp, addr)
}

// serveTCP accepts connections on ln in a dedicated goroutine.  Each
// connection is handled by its own task since a single TCP connection may
// carry more than one length-prefixed query.
func (f *Forwarder) serveTCP(ln net.Listener) {
	f.wg.Add(1)

	go func() {
		defer f.wg.Done()
		defer slogutil.RecoverAndLog(context.Background(), f.logger)

		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			f.wg.Add(1)
			go f.handleTCPConn(conn)
		}
	}()
}

// handleTCPConn serves the standard DNS-over-TCP length-prefix framing (a
// two-byte big-endian length followed by the message) until the peer closes
// the connection or sends a frame exceeding maxTCPMessageSize, in which case
// the connection is dropped without a response.
func (f *Forwarder) handleTCPConn(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()
	defer slogutil.RecoverAndLog(context.Background(), f.logger)

	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}

		frameLen := binary.BigEndian.Uint16(lenBuf[:])
		if frameLen == 0 || int(frameLen) > maxTCPMessageSize {
			return
		}

		query := make([]byte, frameLen)
		if _, err := io.ReadFull(conn, query); err != nil {
			return
		}

		resp, ok := f.exchange(query)
		if !ok {
			continue
		}

		if len(resp) > maxTCPMessageSize {
			continue
		}

		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(resp)))
		if _, err := conn.Write(lenBuf[:]); err != nil {
			return
		}

		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// exchange forwards query to the currently active provider, snapshotting it
// once so a mid-flight provider switch doesn't affect this query.  ok is
// false when there is no active provider or the upstream exchange failed; in
// both cases the forwarder drops the query silently rather than synthesizing
// an answer of its own.
func (f *Forwarder) exchange(query []byte) (resp []byte, ok bool) {
	p := f.active.Load()
	if p == nil {
		return nil, false
	}

	resp, err := f.exchanger.Query(context.Background(), p, query)
	if err != nil {
		f.logger.Debug("forwarding query failed", "provider", p.Name, slogutil.KeyError, err)

		return nil, false
	}

	f.count.Add(1)

	return resp, true
}
