package mcp

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/matteram/ensemble/internal/hub"
	"github.com/matteram/ensemble/pkg/schema"
)

// notifierConn bridges the broadcast hub to an MCP session: room messages
// are pushed as "notifications/message" to the client that subscribed.
// It carries the hub.Conn interface so the hub treats an MCP session like
// any websocket or SSE client, including dropping it on delivery failure.
type notifierConn struct {
	id        string
	clientID  string
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

func newNotifierConn(mcpServer *server.MCPServer, sessions *SessionRegistry, clientID string) *notifierConn {
	return &notifierConn{
		id:        uuid.New().String(),
		clientID:  clientID,
		mcpServer: mcpServer,
		sessions:  sessions,
	}
}

func (c *notifierConn) ID() string { return c.id }

// Send pushes one wire message to the client's current session. A client
// whose session has gone away is reported as a delivery failure so the hub
// disconnects it.
func (c *notifierConn) Send(msg schema.WireMessage) error {
	sessionID, ok := c.sessions.SessionFor(c.clientID)
	if !ok {
		return schema.NewError(schema.ErrCodeDelivery, "client has no active session")
	}
	err := c.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", msg.Env())
	if errors.Is(err, server.ErrSessionNotFound) {
		c.sessions.Remove(sessionID)
		return schema.NewError(schema.ErrCodeDelivery, "session expired")
	}
	if err != nil {
		return fmt.Errorf("notify client %s: %w", c.clientID, err)
	}
	return nil
}

func (c *notifierConn) Close() error {
	return nil
}

var _ hub.Conn = (*notifierConn)(nil)
