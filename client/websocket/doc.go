// Copyright 2018 Cryptowatch. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license which can be found in the LICENSE file.

/*
Package websocket provides streaming sessions to the Refinitiv Real-Time
websocket API, speaking the tr_json2 subprotocol.

Sessions

A Session is a single connection to one streaming endpoint. Once the
websocket is up, the session sends a login request with the access token it
holds, and after the server accepts the login, it requests the configured
items (RICs); more than one RIC makes a batch request. Pings are answered
with pongs, and everything received is handed to the message listeners.

	s, err := websocket.NewSession(&websocket.SessionParams{
		Name:     "session1",
		Endpoint: common.EndpointDescriptor{Host: "amer-1.example.com", Port: 443},
		Token:    ts,
		RICs:     []string{"TRI.N", "IBM.N"},
	})
	if err != nil {
		log.Fatal(err)
	}

	s.OnMessage(func(msg *websocket.Message) {
		// Handle refreshes, updates and statuses
	})

	s.Connect()

When the login Refresh carries a PingTimeout, the session also watches the
connection itself: after a third of that timeout without any data, it pings
the server, and if nothing arrives within PingTimeout after the ping, the
connection is dropped and re-established. View limits the fields sent for
the items, and Posting makes the session post field values to the first
item stream once it's open.

A lost connection is re-established after ReconnectDelay. When the session
is configured with AwaitTokenOnReconnect, it waits in the
ConnStateAwaitingNewToken state until UpdateToken hands it a fresh token
instead. A refused login closes the session for good; Close does the same,
and returns once the server has answered the close frame, or after
CloseTimeout.

Tokens

UpdateToken hands a renewed token set to the session. A logged-in session
re-sends the login with the new token and Refresh set to false, so the
server doesn't resend the item images. Token sets older than the one held
are ignored.

Hot standby

SessionManager runs one session per endpoint, typically two for hot
standby, each with its own connection, login and items. It implements the
token sink used by tokens.Scheduler: every renewed token is broadcast to all
sessions. A session closed by a refused login doesn't affect the others;
the channel returned by Fatal receives an error once all of them are closed.

Error Handling and Connection States

OnError registers error listeners. The "disconnecting" argument is set to
true if the error is going to cause the disconnection: in this case, the app
could store the error somewhere and show it later, when the actual
disconnection happens. Error handlers are always called before the state
change listeners.

Listeners for the state changes are registered with OnStateChange, or with
ConnStateAny to listen to all of them:

	var lastError error

	s.OnError(func(err error, disconnecting bool) {
		if disconnecting {
			lastError = err
			return
		}

		log.Printf("Error: %s", err.Error())
	})

	s.OnStateChange(
		websocket.ConnStateAny,
		func(oldState, state websocket.ConnState) {
			causeStr := ""
			if lastError != nil {
				causeStr = fmt.Sprintf(" (%s)", lastError)
				lastError = nil
			}
			log.Printf("State updated: %s -> %s%s", oldState, state, causeStr)
		},
	)

Concurrency

All methods of Session and SessionManager can be called concurrently from
any number of goroutines. All callbacks and listeners of a session are called
by the same internal goroutine, unique to each session; that is, they are
never called concurrently with each other.
*/
package websocket
