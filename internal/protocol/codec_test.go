package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_Layout(t *testing.T) {
	buf := make([]byte, 64)
	n := EncodeSetUsername(buf, 0x0102030405060708, []byte("jojo"))
	require.Equal(t, 15, n)

	// Big-endian on the wire: len, type, seqid.
	assert.Equal(t, []byte{0x00, 0x0f}, buf[:2])
	assert.Equal(t, byte(MsgSetUsername), buf[2])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, buf[3:11])
	assert.Equal(t, []byte("jojo"), buf[11:15])

	length, msgt, seqid := DecodeHeader(buf[:n])
	assert.Equal(t, uint16(15), length)
	assert.Equal(t, MsgSetUsername, msgt)
	assert.Equal(t, uint64(0x0102030405060708), seqid)
}

func TestDecodeHeader_UnalignedInput(t *testing.T) {
	backing := make([]byte, 64)
	buf := backing[1:] // deliberately misaligned
	n := EncodeServerError(buf, 7, CodeInvalidUsername)

	length, msgt, seqid := DecodeHeader(buf[:n])
	assert.Equal(t, uint16(ServerErrorLen), length)
	assert.Equal(t, MsgServerError, msgt)
	assert.Equal(t, uint64(7), seqid)
}

func TestServerError_Roundtrip(t *testing.T) {
	buf := make([]byte, 64)
	n := EncodeServerError(buf, 99, CodeInvalidMsgLen)
	require.Equal(t, ServerErrorLen, n)

	code, err := DecodeServerError(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidMsgLen, code)

	_, err = DecodeServerError(buf[:n-1])
	assert.Error(t, err)
}

func TestSetUsernameResponse(t *testing.T) {
	buf := make([]byte, 64)
	n := EncodeSetUsernameResponse(buf, 3)
	require.Equal(t, SetUsernameResponseLen, n)

	length, msgt, seqid := DecodeHeader(buf[:n])
	assert.Equal(t, uint16(11), length)
	assert.Equal(t, MsgSetUsernameResponse, msgt)
	assert.Equal(t, uint64(3), seqid)
}

func TestCreateGroup_Roundtrip(t *testing.T) {
	buf := make([]byte, MaxMsgLen)
	uids := []uint64{1, 2, 1 << 40}
	n := EncodeCreateGroup(buf, 5, uids)
	require.Equal(t, HeaderLen+1+8*3, n)

	scratch := make([]uint64, MaxUIDsPerMsg)
	count, err := DecodeCreateGroup(buf[:n], scratch)
	require.NoError(t, err)
	assert.Equal(t, uids, scratch[:count])
}

func TestDecodeCreateGroup_Structural(t *testing.T) {
	buf := make([]byte, MaxMsgLen)
	scratch := make([]uint64, MaxUIDsPerMsg)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"truncated fixed part", buf[:HeaderLen]},
		{"count/length mismatch", func() []byte {
			// Own buffer: the next case re-encodes into buf before the
			// subtests run.
			b := make([]byte, MaxMsgLen)
			n := EncodeCreateGroup(b, 1, []uint64{1, 2})
			b[HeaderLen] = 3 // claims one more uid than present
			return b[:n]
		}()},
		{"count over limit", func() []byte {
			n := EncodeCreateGroup(buf, 1, []uint64{1})
			buf[HeaderLen] = 201
			return buf[:n]
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCreateGroup(tt.frame, scratch)
			assert.Error(t, err)
		})
	}
}

func TestCreateGroup_MaxUIDsFitsLargeBuffer(t *testing.T) {
	uids := make([]uint64, MaxUIDsPerMsg)
	for i := range uids {
		uids[i] = uint64(i)
	}
	buf := make([]byte, MaxMsgLen)
	n := EncodeCreateGroup(buf, 1, uids)
	assert.LessOrEqual(t, n, MaxMsgLen)
}

func TestCreateGroupResponse_Roundtrip(t *testing.T) {
	buf := make([]byte, 64)
	n := EncodeCreateGroupResponse(buf, 8, 1234)
	require.Equal(t, CreateGroupResponseLen, n)

	gid, err := DecodeCreateGroupResponse(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), gid)

	_, err = DecodeCreateGroupResponse(buf[:n-1])
	assert.Error(t, err)
}

func TestMsgType_String(t *testing.T) {
	assert.Equal(t, "SET_USERNAME", MsgSetUsername.String())
	assert.Equal(t, "MSGT(200)", MsgType(200).String())
}
