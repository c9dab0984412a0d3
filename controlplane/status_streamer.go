package controlplane

import (
	"net/http"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/gorilla/websocket"
)

//go:generate counterfeiter -o fakes/fake_event_source.go . EventSource

type EventSource interface {
	Subscribe() <-chan hostagent.StatusEvent
}

// StatusStreamer drains the event hub into the control plane's websocket
// status stream. It reconnects with a fixed delay; events arriving while
// disconnected are dropped rather than ever blocking the hub's producers.
type StatusStreamer struct {
	events         EventSource
	config         Config
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	clock          clock.Clock
	logger         lager.Logger
}

func NewStatusStreamer(logger lager.Logger, config Config, events EventSource, clk clock.Clock) *StatusStreamer {
	return &StatusStreamer{
		events:         events,
		config:         config,
		reconnectDelay: 5 * time.Second,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		clock:  clk,
		logger: logger.Session("status-streamer"),
	}
}

func (s *StatusStreamer) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	events := s.events.Subscribe()

	close(ready)

	s.logger.Info("starting")

	var conn *websocket.Conn
	var lastDialAttempt time.Time

	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-signals:
			s.logger.Info("complete")
			return nil

		case event, ok := <-events:
			if !ok {
				s.logger.Info("event-stream-closed")
				return nil
			}

			if conn == nil {
				if s.clock.Since(lastDialAttempt) < s.reconnectDelay {
					s.logger.Debug("dropping-event-while-disconnected", lager.Data{"rental-id": event.RentalID})
					continue
				}

				lastDialAttempt = s.clock.Now()

				var err error
				conn, err = s.dial()
				if err != nil {
					s.logger.Error("failed-dialing-status-stream", err)
					continue
				}
			}

			if err := conn.WriteJSON(event); err != nil {
				s.logger.Error("failed-writing-status-event", err, lager.Data{"rental-id": event.RentalID})
				conn.Close()
				conn = nil
			}
		}
	}
}

func (s *StatusStreamer) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.config.APIKey)

	conn, _, err := s.dialer.Dial(s.config.WebSocketURL+"/ws/agents/"+s.config.HostID+"/status", header)
	if err != nil {
		return nil, hostagent.NewError(hostagent.CodeTransientCommunication, "dial status stream: %s", err)
	}

	s.logger.Info("status-stream-connected")
	return conn, nil
}
