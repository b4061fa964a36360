package session

import (
	"context"

	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// Get sends a seq-keyed request resolved by the matching
// DP_QUERY/DP_QUERY_NEW/STATUS reply.
func (s *Session) Get(ctx context.Context, cmd protocol.Command, payload interface{}) (interface{}, error) {
	if err := protocol.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	return s.request(ctx, cmd, payload, tuyaerr.GetTimeout)
}

// Refresh sends a DP_REFRESH request for the device's auto-tuned DP index
// set.
func (s *Session) Refresh(ctx context.Context, payload interface{}) (interface{}, error) {
	return s.request(ctx, protocol.DP_REFRESH, payload, tuyaerr.GetTimeout)
}

func (s *Session) request(ctx context.Context, cmd protocol.Command, payload interface{}, kind tuyaerr.Kind) (interface{}, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	seq := s.nextSeq()
	frame, err := s.codec.Encode(cmd, payload, seq, true)
	if err != nil {
		return nil, err
	}

	pr := newPendingRequest(kind)
	s.pending.Set(seq, pr, s.cfg.responseTimeout())

	if err := s.writeWithRetry(ctx, frame); err != nil {
		s.pending.Delete(seq)
		return nil, err
	}

	return s.awaitPending(ctx, seq, pr, s.currentConnState())
}

// Set sends a single-slot request serialized by setMu, resolved by the
// setResolver precedence rule in dispatch.go rather than by sequence number,
// since devices often reply to a set with an unsolicited STATUS carrying a
// different sequence_n. Its pending-table entry arms the SetTimeout.
func (s *Session) Set(ctx context.Context, cmd protocol.Command, payload interface{}) (interface{}, error) {
	if err := protocol.ValidateCommand(cmd); err != nil {
		return nil, err
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	seq := s.nextSeq()
	if s.cfg.Version == protocol.V35 {
		// v3.5 devices expect the sequence counter to have advanced twice by
		// the time a set's STATUS reply arrives; preserved verbatim rather
		// than special-cased away.
		seq = s.nextSeq()
	}

	frame, err := s.codec.Encode(cmd, payload, seq, true)
	if err != nil {
		return nil, err
	}

	pr := newPendingRequest(tuyaerr.SetTimeout)
	s.setResolver.Store(pr)
	defer s.setResolver.CompareAndSwap(pr, nil)
	s.pending.Set(seq, pr, s.cfg.responseTimeout())
	defer s.pending.Delete(seq)

	if err := s.writeWithRetry(ctx, frame); err != nil {
		s.setResolver.CompareAndSwap(pr, nil)
		return nil, err
	}

	return s.awaitPending(ctx, seq, pr, s.currentConnState())
}
