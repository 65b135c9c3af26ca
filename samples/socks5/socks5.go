// Package socks5 implements the RFC 1928 subset from spec.md: the
// version/method greeting (only the no-auth method, 0x00, is
// supported) and the CONNECT command for IPv4 and domain-name targets.
// IPv6 (ATYP 0x04) is rejected. Once CONNECT succeeds the connection is
// a transparent byte pipe; this sample carries no Packet framing of
// its own, matching a plain SOCKS5 proxy's wire behavior.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/cyclone-net/cyclone/internal/appctx"
	"github.com/cyclone-net/cyclone/internal/config"
)

const (
	socksVersion5   = 0x05
	methodNoAuth    = 0x00
	methodNoneOK    = 0xFF
	cmdConnect      = 0x01
	atypIPv4        = 0x01
	atypDomainName  = 0x03
	atypIPv6        = 0x04
	replySucceeded  = 0x00
	replyGeneral    = 0x01
	replyCmdNotSup  = 0x07
	replyAtypNotSup = 0x08
)

// RunServer accepts SOCKS5 clients on cfg.ListenAddr, each handled on
// its own goroutine, until the process is interrupted.
func RunServer(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("socks5: listen: %w", err)
	}
	defer ln.Close()
	log.Infow("socks5 proxy listening", "addr", ln.Addr())

	return appctx.Run(ctx, func(ctx context.Context) error {
		go func() { <-ctx.Done(); ln.Close() }()

		for {
			conn, err := ln.Accept()
			if err != nil {
				return nil
			}
			go serveClient(log, conn)
		}
	})
}

func serveClient(log *zap.SugaredLogger, conn net.Conn) {
	defer conn.Close()

	target, err := negotiate(conn)
	if err != nil {
		log.Warnw("socks5 negotiation failed", "peer", conn.RemoteAddr(), "error", err)
		return
	}

	upstream, err := net.Dial("tcp", target)
	if err != nil {
		writeReply(conn, replyGeneral, nil, 0)
		log.Warnw("socks5 connect failed", "target", target, "error", err)
		return
	}
	defer upstream.Close()

	localAddr, _ := upstream.LocalAddr().(*net.TCPAddr)
	if err := writeReply(conn, replySucceeded, localAddr.IP, uint16(localAddr.Port)); err != nil {
		return
	}
	log.Infow("socks5 tunnel established", "peer", conn.RemoteAddr(), "target", target)

	pipe(conn, upstream)
}

// negotiate runs the version/method greeting followed by the CONNECT
// request, returning the "host:port" target on success.
func negotiate(conn net.Conn) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != socksVersion5 {
		return "", fmt.Errorf("unsupported version %#x", hdr[0])
	}
	nMethods := int(hdr[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", fmt.Errorf("read methods: %w", err)
	}

	selected := byte(methodNoneOK)
	for _, m := range methods {
		if m == methodNoAuth {
			selected = methodNoAuth
			break
		}
	}
	if _, err := conn.Write([]byte{socksVersion5, selected}); err != nil {
		return "", fmt.Errorf("write method selection: %w", err)
	}
	if selected == methodNoneOK {
		return "", fmt.Errorf("no acceptable auth method offered")
	}

	var req [4]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if req[0] != socksVersion5 {
		return "", fmt.Errorf("unsupported version %#x in request", req[0])
	}
	if req[1] != cmdConnect {
		writeReply(conn, replyCmdNotSup, nil, 0)
		return "", fmt.Errorf("unsupported command %#x", req[1])
	}

	var host string
	switch req[3] {
	case atypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", fmt.Errorf("read IPv4 address: %w", err)
		}
		host = net.IP(addr[:]).String()

	case atypDomainName:
		var lenByte [1]byte
		if _, err := io.ReadFull(conn, lenByte[:]); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		name := make([]byte, lenByte[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", fmt.Errorf("read domain name: %w", err)
		}
		host = string(name)

	case atypIPv6:
		writeReply(conn, replyAtypNotSup, nil, 0)
		return "", fmt.Errorf("IPv6 targets are not supported")

	default:
		writeReply(conn, replyAtypNotSup, nil, 0)
		return "", fmt.Errorf("unknown address type %#x", req[3])
	}

	var portBytes [2]byte
	if _, err := io.ReadFull(conn, portBytes[:]); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBytes[:])

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// writeReply always uses the fixed 10-byte IPv4 reply form, per
// spec.md, even when the bound address reported by the dialed upstream
// connection happens to be IPv6 (in which case the address field is
// left zeroed rather than attempting to encode it).
func writeReply(conn net.Conn, code byte, boundIP net.IP, boundPort uint16) error {
	reply := make([]byte, 10)
	reply[0] = socksVersion5
	reply[1] = code
	reply[2] = 0x00
	reply[3] = atypIPv4
	if ip4 := boundIP.To4(); ip4 != nil {
		copy(reply[4:8], ip4)
	}
	binary.BigEndian.PutUint16(reply[8:10], boundPort)
	_, err := conn.Write(reply)
	return err
}

// pipe relays bytes in both directions until either side closes,
// matching a plain TCP proxy's tunneling behavior once CONNECT
// succeeds.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}
