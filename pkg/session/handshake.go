package session

import (
	"context"
	"crypto/hmac"

	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// handshake runs the v3.4/v3.5 session-key negotiation. cn scopes the wait
// for each reply to the connection the handshake was started on.
func (s *Session) handshake(ctx context.Context, cn *connState) error {
	local, err := cipher.Random(16)
	if err != nil {
		return err
	}

	seq := s.nextSeq()
	startFrame, err := s.codec.Encode(protocol.SESS_KEY_NEG_START, local, seq, true)
	if err != nil {
		return err
	}

	pr := newPendingRequest(tuyaerr.HandshakeIntegrity)
	s.pending.Set(seq, pr, s.cfg.ConnectTimeout)

	if _, err := s.writeFrame(startFrame); err != nil {
		s.pending.Delete(seq)
		return err
	}

	res, err := s.awaitPending(ctx, seq, pr, cn)
	if err != nil {
		return err
	}

	raw, ok := res.(string)
	if !ok || len(raw) < 48 {
		return tuyaerr.New(tuyaerr.HandshakeIntegrity, "malformed SESS_KEY_NEG_RES payload")
	}
	reply := []byte(raw)
	remote := reply[:16]
	wantHMAC := reply[16:48]

	gotHMAC := cipher.HMACWithKey(s.cfg.LocalKey, local)
	if !hmac.Equal(gotHMAC, wantHMAC) {
		return tuyaerr.New(tuyaerr.HandshakeIntegrity, "handshake HMAC verification failed")
	}

	finishFrame, err := s.codec.Encode(protocol.SESS_KEY_NEG_FINISH, cipher.HMACWithKey(s.cfg.LocalKey, remote), s.nextSeq(), true)
	if err != nil {
		return err
	}
	if _, err := s.writeFrame(finishFrame); err != nil {
		return err
	}

	sessionKey := make([]byte, 16)
	for i := range sessionKey {
		sessionKey[i] = local[i] ^ remote[i]
	}

	installed, err := s.deriveSessionKey(sessionKey, local)
	if err != nil {
		return err
	}
	s.cipher.SetSessionKey(installed)

	// Re-sync the sequence counter to the handshake reply: it is set to the
	// handshake reply's sequence_n minus 1.
	s.seq.Store(seq - 1)

	return nil
}

// deriveSessionKey re-encrypts the XORed nonce under local_key.
func (s *Session) deriveSessionKey(sessionKey, local []byte) ([]byte, error) {
	switch s.cfg.Version {
	case protocol.V34:
		localCipher, err := cipher.New(protocol.V34, s.cfg.LocalKey, s.log)
		if err != nil {
			return nil, err
		}
		return localCipher.Encrypt(sessionKey, protocol.V34)
	case protocol.V35:
		localCipher, err := cipher.New(protocol.V35, s.cfg.LocalKey, s.log)
		if err != nil {
			return nil, err
		}
		result, err := localCipher.EncryptGCM(sessionKey, nil, local)
		if err != nil {
			return nil, err
		}
		return result.Ciphertext, nil
	default:
		return sessionKey, nil
	}
}

// awaitPending waits for seq's reply, the context to end, or cn's connection
// to be torn down — whichever the caller was waiting on when it was called.
func (s *Session) awaitPending(ctx context.Context, seq uint32, pr *pendingRequest, cn *connState) (interface{}, error) {
	select {
	case res := <-pr.ch:
		return res.value, res.err
	case <-ctx.Done():
		s.pending.Delete(seq)
		return nil, ctx.Err()
	case <-cn.stopCh:
		return nil, tuyaerr.New(tuyaerr.SocketError, "connection torn down while awaiting reply")
	}
}

