package main

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/y3sh/rt-sdk-go/client/websocket"
)

// echo prints every message sent and received over the sessions, as
// indented JSON.
type echo struct {
	mtx sync.Mutex
	out io.Writer

	sent     *color.Color
	received *color.Color
	state    *color.Color
}

func newEcho(out io.Writer, noColor bool) *echo {
	e := &echo{
		out:      out,
		sent:     color.New(color.FgCyan),
		received: color.New(color.FgGreen),
		state:    color.New(color.FgYellow),
	}

	if noColor {
		e.sent.DisableColor()
		e.received.DisableColor()
		e.state.DisableColor()
	}

	return e
}

// attach registers the session listeners; it's used as the manager's Setup.
func (e *echo) attach(s *websocket.Session) {
	name := s.Name()

	s.OnSend(func(data []byte) {
		e.print(e.sent, "SENT", name, data)
	})

	s.OnMessage(func(msg *websocket.Message) {
		e.print(e.received, "RECEIVED", name, msg.Raw)
	})

	s.OnStateChange(websocket.ConnStateAny, func(oldState, state websocket.ConnState) {
		e.mtx.Lock()
		defer e.mtx.Unlock()

		e.state.Fprintf(e.out, "%s: %s -> %s\n", name, oldState, state)
	})
}

func (e *echo) print(c *color.Color, what, session string, data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		buf.Reset()
		buf.Write(data)
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	c.Fprintf(e.out, "%s (%s):\n", what, session)
	e.out.Write(buf.Bytes())
	io.WriteString(e.out, "\n")
}
