// Package wire exchanges length-prefixed messages, optionally carrying
// file descriptors, over a unix-domain socket. It is the transport
// under the compositor-backed capture source: plain control messages in
// both directions, SCM_RIGHTS ancillary data for shared-memory pool
// handles.
package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/termdesk/termdesk/internal/logger"
)

var (
	// ErrConnectionClosed signals the peer disconnected mid-exchange.
	// It ends the current stream but is not fatal to the caller.
	ErrConnectionClosed = errors.New("wire: connection closed by peer")

	// ErrProtocol signals a malformed message: declared length does
	// not match the bytes on the socket, or exceeds the frame limit.
	ErrProtocol = errors.New("wire: protocol violation")

	// ErrPermission signals socket creation or connect failures.
	ErrPermission = errors.New("wire: permission denied")
)

// maxPayload bounds a single message. Frames larger than this indicate
// a desynchronized stream, not a legitimate payload.
const maxPayload = 1 << 20

// headerSize is the fixed message header: uint32 LE payload length
// followed by uint32 LE message type.
const headerSize = 8

// maxFDsPerMessage bounds ancillary descriptors per message.
const maxFDsPerMessage = 4

// Conn is one end of an established message stream.
type Conn struct {
	uc *net.UnixConn
}

// Dial connects to the display server socket at path.
func Dial(path string) (*Conn, error) {
	raddr := &net.UnixAddr{Name: path, Net: "unix"}
	uc, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrPermission, path, err)
	}
	return &Conn{uc: uc}, nil
}

// Listen accepts exactly one inbound connection on path, blocking until
// a peer connects or ctx is cancelled. The listener is closed before
// returning; the accepted connection lives on.
func Listen(ctx context.Context, path string) (*Conn, error) {
	laddr := &net.UnixAddr{Name: path, Net: "unix"}
	ln, err := net.ListenUnix("unix", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrPermission, path, err)
	}
	defer ln.Close()

	// Cancellation unblocks Accept by closing the listener.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	uc, err := ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("wire: accept on %s: %w", path, err)
	}

	logger.WithComponent("wire").Debug().
		Str("path", path).
		Msg("Client connected")

	return &Conn{uc: uc}, nil
}

// Send writes one message. Descriptors in msg.FDs are duplicated into
// the peer by the kernel; the caller keeps ownership of its copies.
func (c *Conn) Send(msg Message) error {
	if len(msg.Payload) > maxPayload {
		return fmt.Errorf("%w: payload %d exceeds limit", ErrProtocol, len(msg.Payload))
	}
	if len(msg.FDs) > maxFDsPerMessage {
		return fmt.Errorf("%w: %d descriptors exceeds limit", ErrProtocol, len(msg.FDs))
	}

	buf := make([]byte, headerSize+len(msg.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(msg.Payload)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(msg.Type))
	copy(buf[headerSize:], msg.Payload)

	var oob []byte
	if len(msg.FDs) > 0 {
		oob = unix.UnixRights(msg.FDs...)
	}

	n, _, err := c.uc.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, unix.EPIPE) {
			return ErrConnectionClosed
		}
		return fmt.Errorf("wire: send: %w", err)
	}
	if n < len(buf) {
		// WriteMsgUnix wrote a partial header+payload; finish the
		// stream bytes without re-sending ancillary data.
		if _, err := c.uc.Write(buf[n:]); err != nil {
			return fmt.Errorf("wire: send remainder: %w", err)
		}
	}
	return nil
}

// Receive reads one message. Returned descriptors are valid until
// handed to the pool manager or closed; they do not survive the
// connection being closed unless retained (mapped) first.
func (c *Conn) Receive() (Message, error) {
	header := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(4*maxFDsPerMessage))

	n, oobn, _, _, err := c.uc.ReadMsgUnix(header, oob)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return Message{}, ErrConnectionClosed
		}
		return Message{}, fmt.Errorf("wire: receive: %w", err)
	}

	// The kernel already installed any transferred descriptors in this
	// process; from here on every error path must release them.
	fds, err := parseFDs(oob[:oobn])
	if err != nil {
		return Message{}, err
	}

	if n < headerSize {
		if _, err := io.ReadFull(c.uc, header[n:]); err != nil {
			closeFDs(fds)
			return Message{}, c.translateReadErr(err)
		}
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	msgType := MessageType(binary.LittleEndian.Uint32(header[4:8]))
	if length > maxPayload {
		closeFDs(fds)
		return Message{}, fmt.Errorf("%w: declared length %d exceeds limit", ErrProtocol, length)
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(c.uc, payload); err != nil {
			closeFDs(fds)
			return Message{}, c.translateReadErr(err)
		}
	}

	return Message{Type: msgType, Payload: payload, FDs: fds}, nil
}

func (c *Conn) translateReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		// Peer vanished between the declared length and the bytes:
		// the stream is truncated, not merely closed between frames.
		return fmt.Errorf("%w: truncated message", ErrProtocol)
	}
	return fmt.Errorf("wire: receive: %w", err)
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: parse control message: %v", ErrProtocol, err)
	}
	var fds []int
	for _, cmsg := range cmsgs {
		parsed, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			return nil, fmt.Errorf("%w: parse unix rights: %v", ErrProtocol, err)
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// Close shuts the connection down. Safe to call twice.
func (c *Conn) Close() error {
	if c.uc == nil {
		return nil
	}
	err := c.uc.Close()
	c.uc = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// SocketPathFromName resolves the well-known socket path for a display
// server socket name. Absolute names pass through; relative names
// resolve under XDG_RUNTIME_DIR. An empty name falls back to
// WAYLAND_DISPLAY, then "wayland-0".
func SocketPathFromName(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
	}
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("wire: XDG_RUNTIME_DIR not set, cannot resolve socket %q", name)
	}
	return filepath.Join(runtimeDir, name), nil
}
