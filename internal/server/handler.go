package server

import (
	"github.com/ehrlich-b/go-chatd/internal/client"
	"github.com/ehrlich-b/go-chatd/internal/group"
	"github.com/ehrlich-b/go-chatd/internal/oppool"
	"github.com/ehrlich-b/go-chatd/internal/protocol"
)

// usernameValid reports whether every byte is alphanumeric.
func usernameValid(name []byte) bool {
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// handle dispatches one complete frame. The boolean result asks the caller
// to drop the connection: structural violations make the stream boundary
// untrustworthy, so no SERVER_ERROR goes out for them. Semantic violations
// inside a valid frame answer with SERVER_ERROR and keep the connection.
// The returned error is fatal (submission queue exhaustion).
func (s *Server) handle(info *client.Info, reqOp *oppool.Operation, frame []byte) (drop bool, err error) {
	clientFD := reqOp.ClientFD
	clientID := reqOp.ClientID

	_, msgt, seqid := protocol.DecodeHeader(frame)
	if s.obs != nil {
		s.obs.MessageReceived(msgt)
	}

	switch msgt {
	case protocol.MsgSetUsername:
		uname := protocol.DecodeSetUsername(frame)

		if len(uname) < protocol.MinUsernameLen || len(uname) > protocol.MaxUsernameLen {
			return false, s.sendServerError(clientFD, clientID, seqid, protocol.CodeInvalidMsgLen)
		}
		if !usernameValid(uname) {
			return false, s.sendServerError(clientFD, clientID, seqid, protocol.CodeInvalidUsername)
		}

		info.Username = string(uname)
		return false, s.sendSetUsernameResponse(clientFD, clientID, seqid)

	case protocol.MsgCreateGroup:
		n, derr := protocol.DecodeCreateGroup(frame, s.uids)
		if derr != nil {
			s.clientLog(info, clientFD).Warn("malformed CREATE_GROUP", "error", derr)
			return true, nil
		}

		gid := s.nextGroupID
		s.nextGroupID++

		// The issuer is always a member.
		if gerr := s.groups.Insert(gid, clientID); gerr != nil {
			return false, s.sendServerError(clientFD, clientID, seqid, protocol.CodeFailure)
		}
		for _, uid := range s.uids[:n] {
			// The probe-table sentinel cannot name a client; skip it rather
			// than poison the set.
			if uid == group.Sentinel {
				continue
			}
			if gerr := s.groups.Insert(gid, uid); gerr != nil {
				return false, s.sendServerError(clientFD, clientID, seqid, protocol.CodeFailure)
			}
		}

		return false, s.sendCreateGroupResponse(clientFD, clientID, seqid, gid)

	default:
		s.clientLog(info, clientFD).Warn("unknown message type", "msgt", uint8(msgt))
		return true, nil
	}
}

// Response emission shares one pattern: fresh operation, smallest slab
// buffer that fits, serialize, queue the send.

func (s *Server) sendServerError(clientFD int, clientID, seqid uint64, code protocol.ErrCode) error {
	op := s.pool.Acquire()
	s.acquireSendBuf(op, protocol.ServerErrorLen)
	op.BufLen = protocol.EncodeServerError(op.Buf.Bytes(), seqid, code)
	if s.obs != nil {
		s.obs.ResponseSent(protocol.MsgServerError)
	}
	return s.addSend(op, clientFD, clientID)
}

func (s *Server) sendSetUsernameResponse(clientFD int, clientID, seqid uint64) error {
	op := s.pool.Acquire()
	s.acquireSendBuf(op, protocol.SetUsernameResponseLen)
	op.BufLen = protocol.EncodeSetUsernameResponse(op.Buf.Bytes(), seqid)
	if s.obs != nil {
		s.obs.ResponseSent(protocol.MsgSetUsernameResponse)
	}
	return s.addSend(op, clientFD, clientID)
}

func (s *Server) sendCreateGroupResponse(clientFD int, clientID, seqid, gid uint64) error {
	op := s.pool.Acquire()
	s.acquireSendBuf(op, protocol.CreateGroupResponseLen)
	op.BufLen = protocol.EncodeCreateGroupResponse(op.Buf.Bytes(), seqid, gid)
	if s.obs != nil {
		s.obs.ResponseSent(protocol.MsgCreateGroupResponse)
	}
	return s.addSend(op, clientFD, clientID)
}
