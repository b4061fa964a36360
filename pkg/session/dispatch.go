package session

import (
	"errors"
	"io"
	"net"

	"github.com/tuyago/localtuya/pkg/codec"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// dispatchLoop reads frames off the socket and routes them by dispatch
// precedence, for the lifetime of one TCP connection. cn is the connState
// that connection was established under.
func (s *Session) dispatchLoop(cn *connState) {
	defer s.wg.Done()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	var buf []byte
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				s.log.Warn("socket read error", "error", err)
				if s.cfg.Hooks.OnError != nil {
					s.cfg.Hooks.OnError(tuyaerr.Wrap(tuyaerr.SocketError, "socket read failed", err))
				}
			}
			s.teardown(cn, tuyaerr.Wrap(tuyaerr.SocketError, "socket closed", err))
			return
		}
		buf = append(buf, readBuf[:n]...)

		frames, leftover, err := s.codec.Decode(buf, codec.DecodeOptions{})
		buf = leftover
		if err != nil {
			s.log.Warn("dropping malformed frame", "error", err)
			if s.cfg.Hooks.OnError != nil {
				s.cfg.Hooks.OnError(err)
			}
		}
		for _, f := range frames {
			s.dispatch(f)
		}
	}
}

func (s *Session) dispatch(f codec.Frame) {
	s.log.Debug("received frame", "command", f.Command.String(), "seq", f.SequenceN)

	switch f.Command {
	case protocol.HEART_BEAT:
		s.onHeartbeatReceived()
	case protocol.CONTROL, protocol.CONTROL_NEW:
		if isEmptyPayload(f.Payload) {
			return
		}
		s.resolveSeq(f)
	case protocol.STATUS:
		s.handleStatus(f)
	case protocol.DP_QUERY, protocol.DP_QUERY_NEW, protocol.DP_REFRESH:
		s.resolveSeq(f)
	default:
		s.resolveSeq(f)
	}
}

func (s *Session) handleStatus(f codec.Frame) {
	dps, hasDPs := extractDPs(f.Payload)
	if hasDPs {
		if _, hasIndex1 := dps["1"]; !hasIndex1 {
			if s.cfg.Hooks.OnDPRefresh != nil {
				s.cfg.Hooks.OnDPRefresh(f.Payload, f.Command, f.SequenceN)
			}
			return
		}
	}

	if s.cfg.Hooks.OnData != nil {
		s.cfg.Hooks.OnData(f.Payload, f.Command, f.SequenceN)
	}
	if pr := s.setResolver.Swap(nil); pr != nil {
		pr.resolve(f.Payload)
		return
	}
	s.resolveSeq(f)
}

func (s *Session) resolveSeq(f codec.Frame) {
	item := s.pending.Get(f.SequenceN)
	if item == nil {
		return
	}
	s.pending.Delete(f.SequenceN)
	item.Value().resolve(f.Payload)
}

func extractDPs(payload interface{}) (map[string]interface{}, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil, false
	}
	dps, ok := m["dps"].(map[string]interface{})
	return dps, ok
}

func isEmptyPayload(payload interface{}) bool {
	switch p := payload.(type) {
	case nil:
		return true
	case string:
		return p == ""
	case map[string]interface{}:
		return len(p) == 0
	default:
		return false
	}
}
