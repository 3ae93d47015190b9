package ca

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Channel Access protocol command codes.
const (
	// CmdVersion exchanges protocol versions. Sent by both sides on
	// connect; the data count field carries the minor version.
	CmdVersion uint16 = 0

	// CmdEventAdd creates a subscription (client to server) and carries
	// subscription updates (server to client). A server reply with an
	// empty payload confirms cancellation.
	CmdEventAdd uint16 = 1

	// CmdEventCancel tears down a subscription.
	CmdEventCancel uint16 = 2

	// CmdWrite writes a value with no confirmation.
	CmdWrite uint16 = 4

	// CmdSearch looks up which server hosts a channel. On TCP circuits
	// the server answers with CmdSearch (found) or CmdNotFound.
	CmdSearch uint16 = 6

	// CmdError reports a server-side error for a prior request. The
	// payload holds the original request header plus a message string.
	CmdError uint16 = 11

	// CmdClearChannel releases a channel on the server.
	CmdClearChannel uint16 = 12

	// CmdRsrvIsUp is a server beacon. Ignored on TCP circuits.
	CmdRsrvIsUp uint16 = 13

	// CmdNotFound is the negative reply to CmdSearch.
	CmdNotFound uint16 = 14

	// CmdReadNotify reads a value with confirmation.
	CmdReadNotify uint16 = 15

	// CmdRepeaterConfirm is the beacon repeater's acknowledgement of a
	// registration request.
	CmdRepeaterConfirm uint16 = 17

	// CmdCreateChan creates a channel. The reply carries the server ID
	// and the channel's native type and element count.
	CmdCreateChan uint16 = 18

	// CmdWriteNotify writes a value with confirmation.
	CmdWriteNotify uint16 = 19

	// CmdClientName tells the server the client's user name.
	CmdClientName uint16 = 20

	// CmdHostName tells the server the client's host name.
	CmdHostName uint16 = 21

	// CmdAccessRights reports read/write permission for a channel.
	// Sent after channel creation and whenever rights change.
	CmdAccessRights uint16 = 22

	// CmdEcho is the keepalive. Either side may send it; the peer
	// replies with an identical message.
	CmdEcho uint16 = 23

	// CmdRepeaterRegister registers a client with the local beacon
	// repeater over UDP.
	CmdRepeaterRegister uint16 = 24

	// CmdCreateChFail is the negative reply to CmdCreateChan.
	CmdCreateChFail uint16 = 26

	// CmdServerDisconn tells the client the server is dropping a channel
	// (IOC shutting down or record removed).
	CmdServerDisconn uint16 = 27
)

// Protocol constants.
const (
	// MinorVersion is the CA minor protocol revision this client speaks.
	MinorVersion uint16 = 13

	// headerSize is the size of the standard message header.
	headerSize = 16

	// extHeaderSize is the size of the extended (large payload) header.
	extHeaderSize = 24

	// extPayloadMarker in the payload size field signals the extended
	// header form, where the true size follows as a 32-bit field.
	extPayloadMarker uint16 = 0xFFFF

	// payloadAlignment: payloads are padded to multiples of 8 bytes.
	payloadAlignment = 8

	// ecaNormal is the status code for a successful request.
	ecaNormal uint32 = 1

	// searchReply in the data type field of a SEARCH request asks the
	// server to answer even when the channel is absent.
	searchReply uint16 = 10

	// AccessRead is the read permission bit in an access rights message.
	AccessRead uint32 = 1

	// AccessWrite is the write permission bit in an access rights message.
	AccessWrite uint32 = 2
)

// Monitor event masks select which changes trigger a subscription update.
const (
	// EventValue fires on value changes exceeding the monitor deadband.
	EventValue uint16 = 0x01

	// EventLog fires on value changes exceeding the archiver deadband.
	EventLog uint16 = 0x02

	// EventAlarm fires on alarm state changes.
	EventAlarm uint16 = 0x04

	// EventProperty fires on metadata changes (units, limits, precision).
	EventProperty uint16 = 0x08
)

// Header is a Channel Access message header.
//
// The wire form is 16 bytes of big-endian fields. Payloads larger than
// the 16-bit size field can express use a 24-byte extended form where
// the size and count move into trailing 32-bit fields.
type Header struct {
	// Command identifies the message type.
	Command uint16

	// PayloadSize is the padded payload length in bytes.
	PayloadSize uint32

	// DataType carries a DBR type for data messages, and is overloaded
	// by several commands (reply flag for SEARCH, status for replies).
	DataType uint16

	// DataCount is the element count for data messages.
	DataCount uint32

	// Param1 is command-specific (SID, CID, status, ...).
	Param1 uint32

	// Param2 is command-specific (IOID, CID, subscription ID, ...).
	Param2 uint32
}

// paddedLen rounds a payload length up to the protocol alignment.
func paddedLen(n int) int {
	return (n + payloadAlignment - 1) &^ (payloadAlignment - 1)
}

// EncodeMessage wraps a header and payload in Channel Access wire format.
//
// The payload is padded with zero bytes to an 8-byte boundary and the
// header's payload size is set to the padded length. The extended header
// form is selected automatically for oversized payloads or counts.
//
// Parameters:
//   - h: Message header (PayloadSize is overwritten with padded length)
//   - payload: Message payload (may be nil)
//
// Returns:
//   - []byte: Complete message ready to send over the circuit
func EncodeMessage(h Header, payload []byte) []byte {
	size := paddedLen(len(payload))
	extended := size >= int(extPayloadMarker) || h.DataCount > 0xFFFF

	hdrLen := headerSize
	if extended {
		hdrLen = extHeaderSize
	}

	buf := make([]byte, hdrLen+size)
	binary.BigEndian.PutUint16(buf[0:2], h.Command)
	binary.BigEndian.PutUint16(buf[4:6], h.DataType)
	binary.BigEndian.PutUint32(buf[8:12], h.Param1)
	binary.BigEndian.PutUint32(buf[12:16], h.Param2)

	if extended {
		binary.BigEndian.PutUint16(buf[2:4], extPayloadMarker)
		binary.BigEndian.PutUint16(buf[6:8], 0)
		binary.BigEndian.PutUint32(buf[16:20], uint32(size)) //nolint:gosec // bounded by MaxArrayBytes
		binary.BigEndian.PutUint32(buf[20:24], h.DataCount)
	} else {
		binary.BigEndian.PutUint16(buf[2:4], uint16(size))        //nolint:gosec // < extPayloadMarker
		binary.BigEndian.PutUint16(buf[6:8], uint16(h.DataCount)) //nolint:gosec // <= 0xFFFF
	}

	copy(buf[hdrLen:], payload)
	return buf
}

// ReadMessage reads one Channel Access message from the stream.
//
// It blocks until a complete header and payload have been read, the
// reader errors, or a read deadline set on the underlying connection
// expires.
//
// Parameters:
//   - r: Stream to read from
//   - maxPayload: Largest acceptable payload in bytes (0 disables the check)
//
// Returns:
//   - Header: Parsed header with logical (unmarked) size and count
//   - []byte: Payload including protocol padding (may be empty)
//   - error: If the stream errors or the payload exceeds maxPayload
func ReadMessage(r io.Reader, maxPayload int) (Header, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, fmt.Errorf("read header: %w", err)
	}

	h := Header{
		Command:     binary.BigEndian.Uint16(hdr[0:2]),
		PayloadSize: uint32(binary.BigEndian.Uint16(hdr[2:4])),
		DataType:    binary.BigEndian.Uint16(hdr[4:6]),
		DataCount:   uint32(binary.BigEndian.Uint16(hdr[6:8])),
		Param1:      binary.BigEndian.Uint32(hdr[8:12]),
		Param2:      binary.BigEndian.Uint32(hdr[12:16]),
	}

	// Extended form: true size and count follow the standard header.
	if h.PayloadSize == uint32(extPayloadMarker) && h.DataCount == 0 {
		var ext [extHeaderSize - headerSize]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Header{}, nil, fmt.Errorf("read extended header: %w", err)
		}
		h.PayloadSize = binary.BigEndian.Uint32(ext[0:4])
		h.DataCount = binary.BigEndian.Uint32(ext[4:8])
	}

	if h.PayloadSize == 0 {
		return h, nil, nil
	}

	if maxPayload > 0 && int(h.PayloadSize) > maxPayload {
		return Header{}, nil, fmt.Errorf("%w: %d bytes (limit %d)",
			ErrPayloadTooLarge, h.PayloadSize, maxPayload)
	}

	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("read payload: %w", err)
	}

	return h, payload, nil
}

// paddedString encodes a string as a null-terminated, zero-padded payload.
// Used for channel names and the client/host name handshake messages.
func paddedString(s string) []byte {
	buf := make([]byte, paddedLen(len(s)+1))
	copy(buf, s)
	return buf
}
