// Package protocol implements the chatd wire format.
//
// Every message is framed as <len:2> <msgt:1> <seqid:8> <payload...>, all
// multi-byte fields big-endian. len counts the whole message including the
// header. The server echoes the client's seqid in responses so requests can
// be correlated.
//
//	SERVER_ERROR            <code:1>                      len = 12
//	SET_USERNAME            <username:3..15>              len = 14..26
//	SET_USERNAME_RESPONSE   (none)                        len = 11
//	CREATE_GROUP            <uids_len:1> <uid:8>*n        len = 12..2048
//	CREATE_GROUP_RESPONSE   <gid:8>                       len = 19
//
// Decoders validate structure only (lengths, counts); semantic rules such as
// the username character set belong to the handler. Decoders tolerate
// unaligned input; encoders assume the destination has room for the fixed
// upper bound of their message type.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MsgType identifies a wire message.
type MsgType uint8

const (
	MsgServerError MsgType = iota
	MsgSetUsername
	MsgSetUsernameResponse
	MsgCreateGroup
	MsgCreateGroupResponse
)

func (t MsgType) String() string {
	switch t {
	case MsgServerError:
		return "SERVER_ERROR"
	case MsgSetUsername:
		return "SET_USERNAME"
	case MsgSetUsernameResponse:
		return "SET_USERNAME_RESPONSE"
	case MsgCreateGroup:
		return "CREATE_GROUP"
	case MsgCreateGroupResponse:
		return "CREATE_GROUP_RESPONSE"
	}
	return fmt.Sprintf("MSGT(%d)", uint8(t))
}

// ErrCode is the payload of SERVER_ERROR.
type ErrCode uint8

const (
	CodeSuccess ErrCode = iota
	CodeInvalidMsgType
	CodeInvalidMsgLen
	CodeInvalidUsername
	CodeFailure
)

const (
	// HeaderLen covers len + msgt + seqid.
	HeaderLen = 11

	// MaxMsgLen bounds every frame; a receive buffer holds at least one
	// maximal message.
	MaxMsgLen = 2048

	// MaxUIDsPerMsg keeps CREATE_GROUP within a 2 KiB buffer.
	MaxUIDsPerMsg = 200

	MinUsernameLen = 3
	MaxUsernameLen = 15

	ServerErrorLen         = HeaderLen + 1
	SetUsernameResponseLen = HeaderLen
	CreateGroupResponseLen = HeaderLen + 8
)

const (
	offMsgType = 2
	offSeqID   = 3
)

// DecodeHeader reads the common header. The caller guarantees
// len(buf) >= HeaderLen.
func DecodeHeader(buf []byte) (length uint16, msgt MsgType, seqid uint64) {
	length = binary.BigEndian.Uint16(buf)
	msgt = MsgType(buf[offMsgType])
	seqid = binary.BigEndian.Uint64(buf[offSeqID:])
	return
}

// FrameLen reads just the 2-byte length prefix.
func FrameLen(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf))
}

func putHeader(buf []byte, length int, msgt MsgType, seqid uint64) {
	binary.BigEndian.PutUint16(buf, uint16(length))
	buf[offMsgType] = byte(msgt)
	binary.BigEndian.PutUint64(buf[offSeqID:], seqid)
}

// DecodeServerError returns the error code of a SERVER_ERROR frame.
func DecodeServerError(frame []byte) (ErrCode, error) {
	if len(frame) != ServerErrorLen {
		return 0, fmt.Errorf("protocol: SERVER_ERROR length %d, want %d", len(frame), ServerErrorLen)
	}
	return ErrCode(frame[HeaderLen]), nil
}

// EncodeServerError writes a SERVER_ERROR and returns its length.
func EncodeServerError(buf []byte, seqid uint64, code ErrCode) int {
	putHeader(buf, ServerErrorLen, MsgServerError, seqid)
	buf[HeaderLen] = byte(code)
	return ServerErrorLen
}

// DecodeSetUsername returns the username bytes of a SET_USERNAME frame.
// Length bounds are the handler's to enforce.
func DecodeSetUsername(frame []byte) []byte {
	return frame[HeaderLen:]
}

// EncodeSetUsername writes a SET_USERNAME request and returns its length.
func EncodeSetUsername(buf []byte, seqid uint64, username []byte) int {
	length := HeaderLen + len(username)
	putHeader(buf, length, MsgSetUsername, seqid)
	copy(buf[HeaderLen:], username)
	return length
}

// EncodeSetUsernameResponse writes a SET_USERNAME_RESPONSE and returns its
// length.
func EncodeSetUsernameResponse(buf []byte, seqid uint64) int {
	putHeader(buf, SetUsernameResponseLen, MsgSetUsernameResponse, seqid)
	return SetUsernameResponseLen
}

// DecodeCreateGroup parses the member ids of a CREATE_GROUP frame into uids
// and returns how many were written. uids must have capacity for
// MaxUIDsPerMsg entries. Structural failures (truncated fixed part, count
// out of range, length mismatch) return an error.
func DecodeCreateGroup(frame []byte, uids []uint64) (int, error) {
	if len(frame) < HeaderLen+1 {
		return 0, fmt.Errorf("protocol: CREATE_GROUP length %d too short", len(frame))
	}
	n := int(frame[HeaderLen])
	if n > MaxUIDsPerMsg {
		return 0, fmt.Errorf("protocol: CREATE_GROUP uid count %d exceeds %d", n, MaxUIDsPerMsg)
	}
	if n > len(uids) {
		return 0, fmt.Errorf("protocol: uid scratch too small: %d < %d", len(uids), n)
	}
	if want := HeaderLen + 1 + 8*n; len(frame) != want {
		return 0, fmt.Errorf("protocol: CREATE_GROUP length %d, want %d for %d uids", len(frame), want, n)
	}
	base := frame[HeaderLen+1:]
	for i := 0; i < n; i++ {
		uids[i] = binary.BigEndian.Uint64(base[8*i:])
	}
	return n, nil
}

// EncodeCreateGroup writes a CREATE_GROUP request and returns its length.
func EncodeCreateGroup(buf []byte, seqid uint64, uids []uint64) int {
	length := HeaderLen + 1 + 8*len(uids)
	putHeader(buf, length, MsgCreateGroup, seqid)
	buf[HeaderLen] = byte(len(uids))
	base := buf[HeaderLen+1:]
	for i, uid := range uids {
		binary.BigEndian.PutUint64(base[8*i:], uid)
	}
	return length
}

// DecodeCreateGroupResponse returns the group id of a CREATE_GROUP_RESPONSE.
func DecodeCreateGroupResponse(frame []byte) (uint64, error) {
	if len(frame) != CreateGroupResponseLen {
		return 0, fmt.Errorf("protocol: CREATE_GROUP_RESPONSE length %d, want %d", len(frame), CreateGroupResponseLen)
	}
	return binary.BigEndian.Uint64(frame[HeaderLen:]), nil
}

// EncodeCreateGroupResponse writes a CREATE_GROUP_RESPONSE and returns its
// length.
func EncodeCreateGroupResponse(buf []byte, seqid, gid uint64) int {
	putHeader(buf, CreateGroupResponseLen, MsgCreateGroupResponse, seqid)
	binary.BigEndian.PutUint64(buf[HeaderLen:], gid)
	return CreateGroupResponseLen
}
