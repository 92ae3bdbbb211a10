// Package wire implements the framed codec spoken between the RPC client and
// server.
//
// Every message is one frame:
//
//	u32 length | u8 opcode | u64 request_id | payload
//
// with big-endian integers and a CBOR payload. The length covers the opcode,
// request id and payload. Exactly one framing exists so the parser is total:
// a frame either decodes completely or poisons the connection with
// ProtocolError - framing state is not recoverable mid-stream.
//
// Payloads use CBOR (self-describing, deterministic encoding) so record
// fields can be added without a schema compiler. Bulk blob payloads carry
// their own compression tag inside proto.FileContents; the framing itself is
// never compressed.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/outrun-sh/outrun/pkg/proto"
)

// ============================================================================
// Opcodes
// ============================================================================

// Op identifies a wire operation. Responses echo the opcode of the request
// they answer.
type Op uint8

const (
	// OpInvalid is never transmitted.
	OpInvalid Op = iota

	OpAuth
	OpPing
	OpRootVersion

	OpGetattr
	OpReaddir
	OpReadlink
	OpOpenRead
	OpRead
	OpClose
	OpOpenWrite
	OpWrite
	OpFsync
	OpTruncate
	OpUnlink
	OpMkdir
	OpRmdir
	OpRename
	OpChmod
	OpChown
	OpUtimens
	OpSymlink
	OpLink
	OpMknod
	OpStatfs
	OpBulkFetch
	OpMarkCached

	opMax
)

// String returns the lowercase wire name of the op, used in logs and
// metrics labels.
func (op Op) String() string {
	names := [...]string{
		OpInvalid:     "invalid",
		OpAuth:        "auth",
		OpPing:        "ping",
		OpRootVersion: "root_version",
		OpGetattr:     "getattr",
		OpReaddir:     "readdir",
		OpReadlink:    "readlink",
		OpOpenRead:    "open_read",
		OpRead:        "read",
		OpClose:       "close",
		OpOpenWrite:   "open_write",
		OpWrite:       "write",
		OpFsync:       "fsync",
		OpTruncate:    "truncate",
		OpUnlink:      "unlink",
		OpMkdir:       "mkdir",
		OpRmdir:       "rmdir",
		OpRename:      "rename",
		OpChmod:       "chmod",
		OpChown:       "chown",
		OpUtimens:     "utimens",
		OpSymlink:     "symlink",
		OpLink:        "link",
		OpMknod:       "mknod",
		OpStatfs:      "statfs",
		OpBulkFetch:   "bulk_fetch",
		OpMarkCached:  "mark_cached",
	}
	if int(op) < len(names) && names[op] != "" {
		return names[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Valid reports whether the opcode is one the codec knows.
func (op Op) Valid() bool {
	return op > OpInvalid && op < opMax
}

// ============================================================================
// Frame Limits
// ============================================================================

// headerSize is opcode + request id; the length prefix is not part of it.
const headerSize = 1 + 8

// DefaultMaxFrameSize bounds a single frame. It must exceed the prefetch
// byte cap so a maximal bundle still fits in one response, with headroom for
// encoding overhead.
const DefaultMaxFrameSize = 160 * 1024 * 1024

// ============================================================================
// Frame I/O
// ============================================================================

// Frame is one decoded message envelope. Payload is the raw CBOR bytes; the
// caller decodes them against the struct the opcode implies.
type Frame struct {
	Op        Op
	RequestID uint64
	Payload   []byte
}

// Codec frames and unframes messages on a byte stream. It is not safe for
// concurrent use on the same direction; callers serialize writes and
// dedicate one reader per connection.
type Codec struct {
	maxFrame uint32
}

// NewCodec creates a codec with the given frame cap. Zero means
// DefaultMaxFrameSize.
func NewCodec(maxFrame uint32) *Codec {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Codec{maxFrame: maxFrame}
}

// WriteFrame encodes v as the payload of one frame and writes it.
func (c *Codec) WriteFrame(w io.Writer, op Op, requestID uint64, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", op, err)
	}
	return c.WriteRawFrame(w, op, requestID, payload)
}

// WriteRawFrame writes a frame whose payload is already encoded.
func (c *Codec) WriteRawFrame(w io.Writer, op Op, requestID uint64, payload []byte) error {
	length := uint32(headerSize) + uint32(len(payload))
	if length > c.maxFrame {
		return fmt.Errorf("%w: frame of %d bytes exceeds cap %d", proto.ErrProtocol, length, c.maxFrame)
	}

	header := make([]byte, 4+headerSize)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = uint8(op)
	binary.BigEndian.PutUint64(header[5:13], requestID)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads and validates one frame.
//
// Any violation - truncation, an unknown opcode, or a length above the cap -
// returns an error wrapping proto.ErrProtocol. The caller must treat that as
// fatal for the connection, not just the request.
func (c *Codec) ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: truncated frame length: %v", proto.ErrProtocol, err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < headerSize {
		return Frame{}, fmt.Errorf("%w: frame length %d below header size", proto.ErrProtocol, length)
	}
	if length > c.maxFrame {
		return Frame{}, fmt.Errorf("%w: frame length %d exceeds cap %d", proto.ErrProtocol, length, c.maxFrame)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("%w: truncated frame body: %v", proto.ErrProtocol, err)
	}

	op := Op(body[0])
	if !op.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown opcode %d", proto.ErrProtocol, body[0])
	}

	return Frame{
		Op:        op,
		RequestID: binary.BigEndian.Uint64(body[1:9]),
		Payload:   body[headerSize:],
	}, nil
}

// ============================================================================
// Payload Encoding
// ============================================================================

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	// Core deterministic encoding: the same logical record always encodes
	// to the same bytes, which keeps golden tests and checksums stable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: cbor encoder init: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Remote input; cap work per message rather than trusting peers.
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("wire: cbor decoder init: " + err.Error())
	}
}

// Marshal encodes a payload struct to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a CBOR payload into v. Decoding failures are protocol
// errors: the peer produced bytes the codec cannot be total over.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", proto.ErrProtocol, err)
	}
	return nil
}

// ============================================================================
// Response Envelope
// ============================================================================

// Envelope is the tagged union carried by every response frame: exactly one
// of Err and Result is set.
type Envelope struct {
	Err    *proto.Error    `cbor:"err,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
}

// NewResultEnvelope wraps a successful result value.
func NewResultEnvelope(v any) (Envelope, error) {
	raw, err := Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Result: raw}, nil
}

// NewErrorEnvelope wraps a typed error.
func NewErrorEnvelope(e *proto.Error) Envelope {
	return Envelope{Err: e}
}

// Decode unpacks the envelope into v, or returns the carried typed error.
func (e *Envelope) Decode(v any) error {
	if e.Err != nil {
		return e.Err
	}
	if v == nil {
		return nil
	}
	return Unmarshal(e.Result, v)
}
