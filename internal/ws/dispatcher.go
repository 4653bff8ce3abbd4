package ws

import (
	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/protocol"
)

// Dispatch is the onMessage callback for live connections. Messages travel
// over the HTTP API, so the only client event is the application-level ping,
// answered with a pong. Malformed frames and unknown types get a structured
// error event.
func Dispatch(c *Connection, data []byte) {
	msgType, _, err := protocol.ParseClientMessage(data)
	if err != nil {
		fields := logrus.Fields{"conn_id": c.id, "user_id": c.userID, "type": msgType}
		if msgType == "" {
			log.WithFields(fields).WithError(err).Debug("dispatch parse error")
			sendError(c, "parse_error", "invalid message format")
			return
		}
		log.WithFields(fields).Debug("unsupported message type")
		sendError(c, "unsupported_type", "unsupported message type")
		return
	}

	if msgType == protocol.TypePing {
		sendPong(c)
	}
}

// sendError sends a structured error event back to the client. Failures are
// logged but not propagated.
func sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.WithError(err).WithField("conn_id", c.id).Warn("failed to build error message")
		return
	}
	if err := c.Send(data); err != nil {
		log.WithError(err).WithField("conn_id", c.id).Debug("failed to send error message")
	}
}

// sendPong responds to a client ping and records the activity.
func sendPong(c *Connection) {
	c.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.WithError(err).WithField("conn_id", c.id).Warn("failed to build pong message")
		return
	}
	if err := c.Send(data); err != nil {
		log.WithError(err).WithField("conn_id", c.id).Debug("failed to send pong message")
	}
}
