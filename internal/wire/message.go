package wire

// MessageType tags a protocol message on the compositor socket.
type MessageType uint32

const (
	// MsgHello opens a session; payload is the protocol version byte.
	MsgHello MessageType = iota + 1

	// MsgGeometry announces the current output geometry. Payload is
	// four uint32 LE fields: width, height, stride, pixel format.
	MsgGeometry

	// MsgCreatePool hands the peer a shared-memory pool. Payload is
	// the pool size as uint32 LE; the descriptor rides as ancillary
	// data.
	MsgCreatePool

	// MsgResizePool announces that an existing pool was regrown.
	// Payload is the new size as uint32 LE.
	MsgResizePool

	// MsgFrameRequest asks the peer to populate the pool with the
	// current framebuffer contents.
	MsgFrameRequest

	// MsgFrameReady confirms a populated pool. Payload mirrors
	// MsgGeometry for the frame actually written.
	MsgFrameReady

	// MsgClose ends the session.
	MsgClose
)

// Message pairs a payload with zero or more transferable descriptors.
// Descriptors in a received message are consumed once handed to the
// shm pool manager: they must not be reused or closed twice.
type Message struct {
	Type    MessageType
	Payload []byte
	FDs     []int
}

// Pixel formats carried in MsgGeometry / MsgFrameReady.
const (
	FormatBGRX uint32 = iota
	FormatRGBA
)
