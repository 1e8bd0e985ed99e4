package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "termdesk-test.sock")
}

// connectPair brings up a listener and dialer on a throwaway socket.
func connectPair(t *testing.T) (server, client *Conn) {
	t.Helper()
	path := testSocketPath(t)

	accepted := make(chan *Conn, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := Listen(context.Background(), path)
		if err != nil {
			errs <- err
			return
		}
		accepted <- c
	}()

	var dialErr error
	for i := 0; i < 50; i++ {
		client, dialErr = Dial(path)
		if dialErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if dialErr != nil {
		t.Fatalf("Dial failed: %v", dialErr)
	}

	select {
	case server = <-accepted:
	case err := <-errs:
		t.Fatalf("Listen failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for accept")
	}

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestPingRoundTrip(t *testing.T) {
	server, client := connectPair(t)

	if err := client.Send(Message{Type: MsgHello, Payload: []byte("ping")}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Type != MsgHello {
		t.Errorf("Expected type %d, got %d", MsgHello, msg.Type)
	}
	if string(msg.Payload) != "ping" {
		t.Errorf("Expected payload %q, got %q", "ping", msg.Payload)
	}
	if len(msg.FDs) != 0 {
		t.Errorf("Expected empty descriptor list, got %d", len(msg.FDs))
	}
}

func TestFileDescriptorTransfer(t *testing.T) {
	server, client := connectPair(t)

	f, err := os.CreateTemp(t.TempDir(), "payload")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("shared"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}

	if err := client.Send(Message{Type: MsgCreatePool, FDs: []int{int(f.Fd())}}); err != nil {
		t.Fatalf("Send with fd failed: %v", err)
	}

	msg, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msg.FDs) != 1 {
		t.Fatalf("Expected 1 descriptor, got %d", len(msg.FDs))
	}

	received := os.NewFile(uintptr(msg.FDs[0]), "received")
	defer received.Close()
	buf := make([]byte, 6)
	if _, err := received.ReadAt(buf, 0); err != nil {
		t.Fatalf("Read through received fd failed: %v", err)
	}
	if string(buf) != "shared" {
		t.Errorf("Expected %q through transferred fd, got %q", "shared", buf)
	}
}

func TestMessageOrdering(t *testing.T) {
	server, client := connectPair(t)

	for i := byte(0); i < 10; i++ {
		if err := client.Send(Message{Type: MsgFrameRequest, Payload: []byte{i}}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := byte(0); i < 10; i++ {
		msg, err := server.Receive()
		if err != nil {
			t.Fatalf("Receive %d failed: %v", i, err)
		}
		if msg.Payload[0] != i {
			t.Fatalf("Out of order: expected %d, got %d", i, msg.Payload[0])
		}
	}
}

func TestReceiveAfterPeerClose(t *testing.T) {
	server, client := connectPair(t)

	client.Close()

	_, err := server.Receive()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got: %v", err)
	}
}

func TestReceiveTruncatedMessage(t *testing.T) {
	server, client := connectPair(t)

	// Header promises 64 payload bytes, the peer delivers 10 and
	// disconnects mid-message.
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], 64)
	binary.LittleEndian.PutUint32(header[4:8], uint32(MsgFrameReady))
	if _, err := client.uc.Write(header); err != nil {
		t.Fatalf("Write header failed: %v", err)
	}
	if _, err := client.uc.Write(make([]byte, 10)); err != nil {
		t.Fatalf("Write partial payload failed: %v", err)
	}
	client.Close()

	_, err := server.Receive()
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol for a truncated message, got: %v", err)
	}
	if errors.Is(err, ErrConnectionClosed) {
		t.Error("Truncation must not be reported as a clean close")
	}
}

func countOpenFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatalf("ReadDir /proc/self/fd failed: %v", err)
	}
	return len(entries)
}

func TestReceiveErrorReleasesTransferredFDs(t *testing.T) {
	server, client := connectPair(t)

	f, err := os.CreateTemp(t.TempDir(), "pool")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer f.Close()

	// A truncated message carrying a descriptor: the fd lands in this
	// process during Receive and must not outlive the failed read.
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], 64)
	binary.LittleEndian.PutUint32(header[4:8], uint32(MsgCreatePool))
	oob := unix.UnixRights(int(f.Fd()))
	if _, _, err := client.uc.WriteMsgUnix(header, oob, nil); err != nil {
		t.Fatalf("WriteMsgUnix failed: %v", err)
	}
	if _, err := client.uc.Write(make([]byte, 8)); err != nil {
		t.Fatalf("Write partial payload failed: %v", err)
	}
	client.Close()

	before := countOpenFDs(t)
	if _, err := server.Receive(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got: %v", err)
	}
	if after := countOpenFDs(t); after != before {
		t.Errorf("Open descriptors went from %d to %d across a failed Receive", before, after)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	_, client := connectPair(t)

	err := client.Send(Message{Type: MsgHello, Payload: make([]byte, maxPayload+1)})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got: %v", err)
	}
}

func TestListenCancellation(t *testing.T) {
	path := testSocketPath(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Listen(ctx, path)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not unblock on cancellation")
	}
}

func TestSocketPathFromName(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv("WAYLAND_DISPLAY", "wayland-1")

	path, err := SocketPathFromName("")
	if err != nil {
		t.Fatalf("SocketPathFromName failed: %v", err)
	}
	if path != "/run/user/1000/wayland-1" {
		t.Errorf("Expected WAYLAND_DISPLAY resolution, got %q", path)
	}

	path, err = SocketPathFromName("custom-0")
	if err != nil {
		t.Fatalf("SocketPathFromName failed: %v", err)
	}
	if path != "/run/user/1000/custom-0" {
		t.Errorf("Expected runtime dir join, got %q", path)
	}

	path, err = SocketPathFromName("/tmp/abs.sock")
	if err != nil {
		t.Fatalf("SocketPathFromName failed: %v", err)
	}
	if path != "/tmp/abs.sock" {
		t.Errorf("Absolute name should pass through, got %q", path)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if _, err := SocketPathFromName("rel"); err == nil {
		t.Error("Expected error without XDG_RUNTIME_DIR")
	}
}
