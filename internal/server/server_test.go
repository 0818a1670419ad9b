package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-chatd/internal/logging"
	"github.com/ehrlich-b/go-chatd/internal/protocol"
	"github.com/ehrlich-b/go-chatd/internal/uring"
)

const listenFD = 3

// closeRecorder stands in for unix.Close so tests can assert the
// exactly-once close property.
type closeRecorder struct {
	closed []int
}

func (c *closeRecorder) close(fd int) error {
	c.closed = append(c.closed, fd)
	return nil
}

func newTestServer(t *testing.T) (*Server, *uring.FakeRing, *closeRecorder) {
	t.Helper()
	ring := uring.NewFakeRing()
	closer := &closeRecorder{}
	srv, err := New(Config{
		Ring:     ring,
		ListenFD: listenFD,
		Logger:   logging.NewLogger(&logging.Config{Level: logging.LevelError}),
		CloseFD:  closer.close,
	})
	require.NoError(t, err)
	return srv, ring, closer
}

// connect starts the server, completes the pending accept with clientFD, and
// returns the connection's recv submission.
func connect(t *testing.T, srv *Server, ring *uring.FakeRing, clientFD int) uring.FakeSubmission {
	t.Helper()
	require.NoError(t, srv.Start())

	subs := ring.TakeSubmitted()
	require.Len(t, subs, 1)
	require.Equal(t, uring.FakeAccept, subs[0].Op)
	require.Equal(t, listenFD, subs[0].FD)

	ring.Complete(uring.CQE{UserData: subs[0].UserData, Res: int32(clientFD)})
	require.NoError(t, srv.RunOnce())

	subs = ring.TakeSubmitted()
	require.Len(t, subs, 2, "accept completion must queue a recv and a replacement accept")
	recv, accept := subs[0], subs[1]
	if recv.Op != uring.FakeRecv {
		recv, accept = accept, recv
	}
	require.Equal(t, uring.FakeRecv, recv.Op)
	require.Equal(t, clientFD, recv.FD)
	require.Equal(t, uring.FakeAccept, accept.Op)
	return recv
}

// deliver copies payload into the recv window and completes it.
func deliver(t *testing.T, srv *Server, ring *uring.FakeRing, recv uring.FakeSubmission, payload []byte) []uring.FakeSubmission {
	t.Helper()
	require.LessOrEqual(t, len(payload), len(recv.Buf))
	copy(recv.Buf, payload)
	ring.Complete(uring.CQE{UserData: recv.UserData, Res: int32(len(payload))})
	require.NoError(t, srv.RunOnce())
	return ring.TakeSubmitted()
}

func findSend(t *testing.T, subs []uring.FakeSubmission) uring.FakeSubmission {
	t.Helper()
	for _, sub := range subs {
		if sub.Op == uring.FakeSend {
			return sub
		}
	}
	t.Fatal("no send submission found")
	return uring.FakeSubmission{}
}

func findRecv(t *testing.T, subs []uring.FakeSubmission) uring.FakeSubmission {
	t.Helper()
	for _, sub := range subs {
		if sub.Op == uring.FakeRecv {
			return sub
		}
	}
	t.Fatal("no recv submission found")
	return uring.FakeSubmission{}
}

func TestSetUsername_HappyPath(t *testing.T) {
	srv, ring, closer := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 64)
	n := protocol.EncodeSetUsername(frame, 0x01, []byte("jojo"))
	subs := deliver(t, srv, ring, recv, frame[:n])

	send := findSend(t, subs)
	require.Equal(t, 7, send.FD)
	require.Len(t, send.Buf, protocol.SetUsernameResponseLen)
	length, msgt, seqid := protocol.DecodeHeader(send.Buf)
	assert.Equal(t, uint16(11), length)
	assert.Equal(t, protocol.MsgSetUsernameResponse, msgt)
	assert.Equal(t, uint64(0x01), seqid)

	info := srv.Clients().Get(1)
	require.NotNil(t, info)
	assert.Equal(t, "jojo", info.Username)
	assert.Empty(t, closer.closed)

	// Completing the send releases its operation and buffer.
	ring.Complete(uring.CQE{UserData: send.UserData, Res: int32(len(send.Buf))})
	require.NoError(t, srv.RunOnce())
}

func TestSetUsername_TooShort(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 64)
	n := protocol.EncodeSetUsername(frame, 0x02, []byte("ab"))
	subs := deliver(t, srv, ring, recv, frame[:n])

	send := findSend(t, subs)
	code, err := protocol.DecodeServerError(send.Buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalidMsgLen, code)
	_, _, seqid := protocol.DecodeHeader(send.Buf)
	assert.Equal(t, uint64(0x02), seqid)

	// Connection stays open: the client is still registered and a
	// follow-up recv was queued.
	assert.NotNil(t, srv.Clients().Get(1))
	findRecv(t, subs)
}

func TestSetUsername_InvalidCharacters(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 64)
	n := protocol.EncodeSetUsername(frame, 0x03, []byte("jo!o"))
	subs := deliver(t, srv, ring, recv, frame[:n])

	code, err := protocol.DecodeServerError(findSend(t, subs).Buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalidUsername, code)
	assert.NotNil(t, srv.Clients().Get(1))
	assert.Empty(t, srv.Clients().Get(1).Username)
}

func TestUnknownType_DropsConnection(t *testing.T) {
	srv, ring, closer := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 64)
	n := protocol.EncodeSetUsername(frame, 0x04, nil) // bare 11-byte header
	frame[2] = 255
	subs := deliver(t, srv, ring, recv, frame[:n])

	// No response goes out and the connection is gone.
	for _, sub := range subs {
		assert.NotEqual(t, uring.FakeSend, sub.Op)
	}
	assert.Nil(t, srv.Clients().Get(1))
	assert.Equal(t, []int{7}, closer.closed)
}

func TestInvalidFrameLength_DropsConnection(t *testing.T) {
	tests := []struct {
		name     string
		frameLen uint16
	}{
		{"shorter than header", 5},
		{"larger than buffer", 4000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ring, closer := newTestServer(t)
			recv := connect(t, srv, ring, 7)

			frame := make([]byte, 64)
			protocol.EncodeSetUsername(frame, 0, []byte("jojo"))
			frame[0] = byte(tt.frameLen >> 8)
			frame[1] = byte(tt.frameLen)
			deliver(t, srv, ring, recv, frame[:15])

			assert.Nil(t, srv.Clients().Get(1))
			assert.Equal(t, []int{7}, closer.closed)
		})
	}
}

func TestShortWrite_ResumesFromCursor(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 64)
	n := protocol.EncodeSetUsername(frame, 0x05, []byte("jojo"))
	send := findSend(t, deliver(t, srv, ring, recv, frame[:n]))
	require.Len(t, send.Buf, 11)
	full := append([]byte(nil), send.Buf...)

	// First completion moves only 4 bytes; a continuation must carry the
	// remaining 7 from offset 4.
	ring.Complete(uring.CQE{UserData: send.UserData, Res: 4})
	require.NoError(t, srv.RunOnce())

	cont := findSend(t, ring.TakeSubmitted())
	assert.Equal(t, send.UserData, cont.UserData)
	assert.Equal(t, full[4:], cont.Buf)

	ring.Complete(uring.CQE{UserData: cont.UserData, Res: 7})
	require.NoError(t, srv.RunOnce())
	assert.Empty(t, ring.TakeSubmitted(), "drained send queues nothing")
}

func TestOrderlyEOF_ClosesOnce(t *testing.T) {
	srv, ring, closer := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 64)
	n := protocol.EncodeSetUsername(frame, 0x06, []byte("jojo"))
	subs := deliver(t, srv, ring, recv, frame[:n])
	send := findSend(t, subs)
	next := findRecv(t, subs)
	ring.Complete(uring.CQE{UserData: send.UserData, Res: 11})
	require.NoError(t, srv.RunOnce())

	// Peer closes: the follow-up recv completes with zero bytes.
	ring.Complete(uring.CQE{UserData: next.UserData, Res: 0})
	require.NoError(t, srv.RunOnce())

	assert.Equal(t, []int{7}, closer.closed)
	assert.Nil(t, srv.Clients().Get(1))
}

func TestOrphanCompletion_DoesNotCloseAgain(t *testing.T) {
	srv, ring, closer := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	// One buffer carries a valid SET_USERNAME followed by an unknown-type
	// frame: the first queues a response, the second drops the client.
	buf := make([]byte, 64)
	n1 := protocol.EncodeSetUsername(buf, 0x07, []byte("jojo"))
	n2 := protocol.EncodeSetUsername(buf[n1:], 0x08, nil)
	buf[n1+2] = 255
	subs := deliver(t, srv, ring, recv, buf[:n1+n2])

	send := findSend(t, subs)
	require.Equal(t, []int{7}, closer.closed)
	require.Nil(t, srv.Clients().Get(1))

	// The response completes after the drop: orphan arm releases resources
	// without touching the socket.
	ring.Complete(uring.CQE{UserData: send.UserData, Res: 11})
	require.NoError(t, srv.RunOnce())
	assert.Equal(t, []int{7}, closer.closed)
}

func TestFraming_SplitAcrossCompletions(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	// Two 16-byte frames concatenated, delivered as 5 + 20 + 7 bytes.
	stream := make([]byte, 64)
	n1 := protocol.EncodeSetUsername(stream, 1, []byte("alice"))
	n2 := protocol.EncodeSetUsername(stream[n1:], 2, []byte("bobby"))
	total := n1 + n2
	require.Equal(t, 32, total)

	var responses []uint64

	cuts := []int{5, 25, 32}
	prev := 0
	for _, cut := range cuts {
		chunk := stream[prev:cut]
		require.LessOrEqual(t, len(chunk), len(recv.Buf))
		copy(recv.Buf, chunk)
		ring.Complete(uring.CQE{UserData: recv.UserData, Res: int32(len(chunk))})
		require.NoError(t, srv.RunOnce())
		prev = cut

		subs := ring.TakeSubmitted()
		for _, sub := range subs {
			if sub.Op == uring.FakeSend {
				_, msgt, seqid := protocol.DecodeHeader(sub.Buf)
				assert.Equal(t, protocol.MsgSetUsernameResponse, msgt)
				responses = append(responses, seqid)
			}
		}
		recv = findRecv(t, subs)
	}

	// Exactly one handler invocation per frame, in order.
	assert.Equal(t, []uint64{1, 2}, responses)
	assert.Equal(t, "bobby", srv.Clients().Get(1).Username)
}

func TestCreateGroup(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 256)
	n := protocol.EncodeCreateGroup(frame, 0x09, []uint64{10, 20})
	subs := deliver(t, srv, ring, recv, frame[:n])

	send := findSend(t, subs)
	require.Len(t, send.Buf, protocol.CreateGroupResponseLen)
	_, msgt, seqid := protocol.DecodeHeader(send.Buf)
	assert.Equal(t, protocol.MsgCreateGroupResponse, msgt)
	assert.Equal(t, uint64(0x09), seqid)

	gid, err := protocol.DecodeCreateGroupResponse(send.Buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gid)

	// Members are the request uids plus the issuer.
	assert.Equal(t, 3, srv.Groups().Members(gid))
	it, ok := srv.Groups().Iter(gid)
	require.True(t, ok)
	members := map[uint64]bool{}
	batch := make([]uint64, 8)
	for {
		k := it.NextBatch(batch)
		if k == 0 {
			break
		}
		for _, id := range batch[:k] {
			members[id] = true
		}
	}
	assert.True(t, members[1] && members[10] && members[20])
}

func TestCreateGroup_MalformedDrops(t *testing.T) {
	srv, ring, closer := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	frame := make([]byte, 64)
	n := protocol.EncodeCreateGroup(frame, 0x0a, []uint64{10})
	frame[protocol.HeaderLen] = 2 // claims two uids, carries one
	subs := deliver(t, srv, ring, recv, frame[:n])

	for _, sub := range subs {
		assert.NotEqual(t, uring.FakeSend, sub.Op)
	}
	assert.Nil(t, srv.Clients().Get(1))
	assert.Equal(t, []int{7}, closer.closed)
}

func TestAcceptFailure_TearsDownPendingClient(t *testing.T) {
	srv, ring, closer := newTestServer(t)
	require.NoError(t, srv.Start())

	subs := ring.TakeSubmitted()
	require.Len(t, subs, 1)

	// ECONNABORTED on the accept: no socket exists yet, so nothing is
	// closed, but the provisional client record must go away.
	ring.Complete(uring.CQE{UserData: subs[0].UserData, Res: -103})
	require.NoError(t, srv.RunOnce())

	assert.Nil(t, srv.Clients().Get(1))
	assert.Empty(t, closer.closed)
}

func TestRecvFailure_Disconnects(t *testing.T) {
	srv, ring, closer := newTestServer(t)
	connect(t, srv, ring, 7)

	// ECONNRESET on the recv.
	ring.Complete(uring.CQE{UserData: 0, Res: -104})
	require.NoError(t, srv.RunOnce())

	assert.Equal(t, []int{7}, closer.closed)
	assert.Nil(t, srv.Clients().Get(1))
}

func TestBogusCookie_IsFatal(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	require.NoError(t, srv.Start())

	ring.Complete(uring.CQE{UserData: 9999, Res: 0})
	assert.Error(t, srv.RunOnce())
}

func TestBatchDrain(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	recv := connect(t, srv, ring, 7)

	// Queue a frame and complete the recv; the pending-accept completion
	// for a second client arrives in the same cycle via the batch peek.
	frame := make([]byte, 64)
	n := protocol.EncodeSetUsername(frame, 1, []byte("jojo"))
	copy(recv.Buf, frame[:n])
	ring.Complete(uring.CQE{UserData: recv.UserData, Res: int32(n)})
	ring.Complete(uring.CQE{UserData: 1, Res: 9}) // second client's accept, op pool id 1
	require.NoError(t, srv.RunOnce())

	assert.NotNil(t, srv.Clients().Get(1))
	assert.NotNil(t, srv.Clients().Get(2))
	assert.Equal(t, "jojo", srv.Clients().Get(1).Username)
}
