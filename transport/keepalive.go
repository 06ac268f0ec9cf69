package transport

import (
	"time"

	"github.com/pkg/errors"

	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

var errKeepAliveTimeout = errors.New("no keepalive within max lifetime")

// minLifetimeCheck bounds how often the idle time is checked.
const minLifetimeCheck = time.Millisecond

// keepAliveLoop replaces the old heartbeat: the client sends KEEPALIVE with
// RESPOND every KeepAlive and the server echoes it. Either side checks the
// idle time every MaxLifetime/4 and closes the connection when nothing
// arrived for MaxLifetime.
func (c *Connection) keepAliveLoop() {
	var send, check <-chan time.Time
	if c.side == registry.ClientSide && c.setup.KeepAlive > 0 {
		t := time.NewTicker(c.setup.KeepAlive)
		defer t.Stop()
		send = t.C
	}
	if c.setup.MaxLifetime > 0 {
		t := time.NewTicker(max(c.setup.MaxLifetime/4, minLifetimeCheck))
		defer t.Stop()
		check = t.C
	}
	if send == nil && check == nil {
		return
	}
	for {
		select {
		case <-send:
			c.send(&protocol.Frame{Type: protocol.TypeKeepAlive, Flags: protocol.FlagRespond}, nil)
		case <-check:
			idle := time.Since(time.Unix(0, c.lastRecv.Load()))
			if idle > c.setup.MaxLifetime {
				c.close(&protocol.TransportError{Err: errors.Wrapf(errKeepAliveTimeout, "idle for %s", idle.Round(time.Millisecond))})
				return
			}
		case <-c.done:
			return
		}
	}
}
