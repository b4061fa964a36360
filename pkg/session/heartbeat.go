package session

import (
	"context"
	"time"

	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// heartbeatLoop pings on an interval and disconnects if no pong lands within
// PongTimeout. cn scopes it to the connection it was started for, so a
// reconnect on the same Session starts a fresh loop selecting on a fresh
// stop channel rather than one a prior teardown already closed.
func (s *Session) heartbeatLoop(cn *connState) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.stopCh:
			return
		case <-ticker.C:
			dispatchedAt := time.Now()

			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.responseTimeout())
			frame, err := s.codec.Encode(protocol.HEART_BEAT, nil, s.nextSeq(), true)
			if err != nil {
				cancel()
				continue
			}
			if err := s.writeWithRetry(ctx, frame); err != nil {
				cancel()
				s.teardown(cn, tuyaerr.Wrap(tuyaerr.SocketError, "heartbeat send failed", err))
				return
			}
			cancel()

			if s.cfg.IssueRefreshOnPing {
				go func() {
					rctx, rcancel := context.WithTimeout(context.Background(), s.cfg.responseTimeout())
					defer rcancel()
					if _, err := s.Refresh(rctx, nil); err != nil {
						s.log.Debug("issueRefreshOnPing failed", "error", err)
					}
				}()
			}

			time.AfterFunc(s.cfg.PongTimeout, func() {
				if s.State() != StateConnected {
					return
				}
				last := time.Unix(0, s.lastPongAt.Load())
				if last.Before(dispatchedAt) {
					s.log.Warn("heartbeat pong timeout", "dispatchedAt", dispatchedAt)
					s.teardown(cn, tuyaerr.New(tuyaerr.SocketError, "heartbeat pong timeout"))
				}
			})
		}
	}
}

func (s *Session) onHeartbeatReceived() {
	s.lastPongAt.Store(time.Now().UnixNano())
	s.cfg.Hooks.fire(s.cfg.Hooks.OnHeartbeat)
}
