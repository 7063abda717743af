package replication

import (
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/logging"
)

// PQSource receives PostgreSQL LISTEN/NOTIFY events through a lib/pq listener
type PQSource struct {
	listener *pq.Listener
	out      chan Notification
	errs     chan error
	done     chan struct{}
	once     sync.Once
	logger   *logrus.Logger
}

// NewPQSource connects a listener to the database at dsn
func NewPQSource(dsn string, logger *logrus.Logger) *PQSource {
	s := &PQSource{
		out:    make(chan Notification, 64),
		errs:   make(chan error, 8),
		done:   make(chan struct{}),
		logger: logging.OrDefault(logger),
	}
	s.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, s.onEvent)
	go s.forward()
	return s
}

func (s *PQSource) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventReconnected:
		s.logger.Info("Replication listener reconnected")
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

func (s *PQSource) forward() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				close(s.out)
				return
			}
			// nil is sent after a reconnect; events may have been missed
			if n == nil {
				continue
			}
			select {
			case s.out <- Notification{Channel: n.Channel, Payload: n.Extra}:
			case <-s.done:
				return
			}
		}
	}
}

// Listen subscribes to channel
func (s *PQSource) Listen(channel string) error {
	return s.listener.Listen(channel)
}

// Notifications returns the event stream
func (s *PQSource) Notifications() <-chan Notification { return s.out }

// Errors returns connection errors reported by the listener
func (s *PQSource) Errors() <-chan error { return s.errs }

// Close stops the listener
func (s *PQSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	return err
}
