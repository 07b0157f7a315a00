package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Session is a streaming connection identified by a fresh session id.  Jobs
// submitted with that id report their progress on it.
type Session struct {
	ID   string
	conn *websocket.Conn
	once sync.Once
}

// ReadMessage blocks until the next frame arrives
func (s *Session) ReadMessage() (messageType int, data []byte, err error) {
	return s.conn.ReadMessage()
}

// Close closes the underlying connection; further calls are no-ops
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// OpenSession dials the stream endpoint with a new session id, retrying with
// exponential backoff.  It must be called before the job is submitted so that
// no frame for the job is missed.
func (c *ComfyClient) OpenSession(ctx context.Context) (*Session, error) {
	id := uuid.New().String()
	wsURL := c.websocketURL(id)
	log := c.log.WithFields(logrus.Fields{"session": id, "url": wsURL})

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryBaseDelay
	eb.MaxInterval = c.retryMaxDelay
	eb.MaxElapsedTime = 0
	var policy backoff.BackOff = eb
	if c.connectRetries >= 0 {
		policy = backoff.WithMaxRetries(eb, uint64(c.connectRetries))
	}

	attempt := 0
	var conn *websocket.Conn
	op := func() error {
		attempt++
		cn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("stream connection attempt failed")
			// the backend answered but refused the upgrade; retrying will not help
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: stream: %v", ErrBackendUnavailable, err)
	}

	log.WithField("attempts", attempt).Debug("stream connected")
	return &Session{ID: id, conn: conn}, nil
}
