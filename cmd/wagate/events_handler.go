package main

import (
	"context"
	"net/http"
	"time"

	"wagate/internal/logging"
	"wagate/internal/session"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// handleSessionEvents streams lifecycle changes for one session over a
// websocket. The first frame is the current persisted status so a client
// opening the stream mid-pairing still gets the QR payload.
func (s *Server) handleSessionEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.ownedSession(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).WithField(logging.FieldSessionID, sess.ID).Warn("Websocket upgrade failed")
			return
		}
		defer conn.CloseNow()

		events, unsubscribe := s.deps.Registry.Hub().Subscribe(sess.ID)
		defer unsubscribe()

		// the read side only exists to notice the client going away
		ctx := conn.CloseRead(r.Context())

		snapshot := session.LifecycleEvent{
			SessionID: sess.ID,
			TenantID:  sess.TenantID,
			Status:    sess.Status,
			QR:        sess.QRPayload,
			Reason:    sess.LastError,
			At:        sess.UpdatedAt,
		}
		if err := writeEvent(ctx, conn, snapshot); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "stream closed")
					return
				}
				if err := writeEvent(ctx, conn, ev); err != nil {
					s.logger.WithError(err).WithField(logging.FieldSessionID, sess.ID).Debug("Lifecycle stream write failed")
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev session.LifecycleEvent) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
