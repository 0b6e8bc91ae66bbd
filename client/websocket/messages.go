package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

const (
	loginStreamID = 1
	itemStreamID  = 2

	domainLogin       = "Login"
	domainMarketPrice = "MarketPrice"

	// Message types
	MsgTypeRefresh = "Refresh"
	MsgTypeUpdate  = "Update"
	MsgTypeStatus  = "Status"
	MsgTypePing    = "Ping"
	MsgTypePong    = "Pong"
	MsgTypePost    = "Post"
	MsgTypeAck     = "Ack"

	// Stream and data states
	StreamStateOpen = "Open"
	DataStateOk     = "Ok"
)

// Message is a single message received from the streaming server. Fields
// which are irrelevant to the session are only available in Raw.
type Message struct {
	ID     int    `json:"ID"`
	Type   string `json:"Type"`
	Domain string `json:"Domain,omitempty"`

	Key   *MessageKey  `json:"Key,omitempty"`
	State *StreamState `json:"State,omitempty"`

	// Fields contains MarketPrice field values of Refresh and Update
	// messages.
	Fields map[string]interface{} `json:"Fields,omitempty"`

	UpdateType string `json:"UpdateType,omitempty"`

	// Elements of a login Refresh; some servers put them into the Key.
	Elements map[string]interface{} `json:"Elements,omitempty"`

	// AckID and NakCode are set on Ack messages answering our posts.
	AckID   int    `json:"AckID,omitempty"`
	NakCode string `json:"NakCode,omitempty"`
	Text    string `json:"Text,omitempty"`

	// Raw is the message as received.
	Raw json.RawMessage `json:"-"`
}

// MessageKey identifies the item of a message.
type MessageKey struct {
	Name     string                 `json:"Name"`
	Service  string                 `json:"Service,omitempty"`
	Elements map[string]interface{} `json:"Elements,omitempty"`
}

// StreamState is the "State" object of Refresh and Status messages.
type StreamState struct {
	Stream string `json:"Stream"`
	Data   string `json:"Data"`
	Code   string `json:"Code,omitempty"`
	Text   string `json:"Text,omitempty"`
}

// IsOpenOk reports whether the stream is open and the data is ok.
func (s *StreamState) IsOpenOk() bool {
	return s != nil && s.Stream == StreamStateOpen && s.Data == DataStateOk
}

// IsLogin reports whether the message belongs to the login stream.
func (m *Message) IsLogin() bool {
	return m.Domain == domainLogin || m.ID == loginStreamID
}

// ItemName returns the key name, or an empty string.
func (m *Message) ItemName() string {
	if m.Key == nil {
		return ""
	}

	return m.Key.Name
}

// PingTimeout returns the PingTimeout element of a login Refresh, or zero.
func (m *Message) PingTimeout() time.Duration {
	elements := m.Elements
	if elements == nil && m.Key != nil {
		elements = m.Key.Elements
	}

	secs, ok := elements["PingTimeout"].(float64)
	if !ok || secs <= 0 {
		return 0
	}

	return time.Duration(secs * float64(time.Second))
}

type loginRequest struct {
	ID     int      `json:"ID"`
	Domain string   `json:"Domain"`
	Key    loginKey `json:"Key"`

	// Refresh is omitted on the first login over a connection; false asks
	// the server not to send a Refresh for a re-login.
	Refresh *bool `json:"Refresh,omitempty"`
}

type loginKey struct {
	Elements loginElements `json:"Elements"`
	NameType string        `json:"NameType"`
}

type loginElements struct {
	ApplicationID       string `json:"ApplicationId"`
	Position            string `json:"Position"`
	AuthenticationToken string `json:"AuthenticationToken"`
}

type itemRequest struct {
	ID  int     `json:"ID"`
	Key itemKey `json:"Key"`

	// View limits the fields sent for the items.
	View []string `json:"View,omitempty"`
}

type itemKey struct {
	// Name is a single RIC or, for a batch request, a list of them.
	Name    interface{} `json:"Name"`
	Service string      `json:"Service,omitempty"`
}

type controlMessage struct {
	Type string `json:"Type"`
}

type postMessage struct {
	ID           int          `json:"ID"`
	Type         string       `json:"Type"`
	Domain       string       `json:"Domain"`
	Ack          bool         `json:"Ack"`
	PostID       int          `json:"PostID"`
	PostUserInfo postUserInfo `json:"PostUserInfo"`
	Message      postedUpdate `json:"Message"`
}

type postUserInfo struct {
	Address string `json:"Address"`
	UserID  int    `json:"UserID"`
}

type postedUpdate struct {
	ID     int                    `json:"ID"`
	Type   string                 `json:"Type"`
	Domain string                 `json:"Domain"`
	Fields map[string]interface{} `json:"Fields"`
}

func marshalLogin(appID, position, token string, refresh *bool) ([]byte, error) {
	data, err := json.Marshal(loginRequest{
		ID:     loginStreamID,
		Domain: domainLogin,
		Key: loginKey{
			Elements: loginElements{
				ApplicationID:       appID,
				Position:            position,
				AuthenticationToken: token,
			},
			NameType: "AuthnToken",
		},
		Refresh: refresh,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return data, nil
}

func marshalItemRequest(rics []string, service string, view []string) ([]byte, error) {
	var name interface{} = rics
	if len(rics) == 1 {
		name = rics[0]
	}

	data, err := json.Marshal(itemRequest{
		ID: itemStreamID,
		Key: itemKey{
			Name:    name,
			Service: service,
		},
		View: view,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return data, nil
}

func marshalPong() []byte {
	data, _ := json.Marshal(controlMessage{Type: MsgTypePong})
	return data
}

func marshalPing() []byte {
	data, _ := json.Marshal(controlMessage{Type: MsgTypePing})
	return data
}

// marshalPost makes an on-stream post of an Update with the given fields,
// asking the server for an Ack.
func marshalPost(streamID, postID int, address string, userID int, fields map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(postMessage{
		ID:     streamID,
		Type:   MsgTypePost,
		Domain: domainMarketPrice,
		Ack:    true,
		PostID: postID,
		PostUserInfo: postUserInfo{
			Address: address,
			UserID:  userID,
		},
		Message: postedUpdate{
			Type:   MsgTypeUpdate,
			Domain: domainMarketPrice,
			Fields: fields,
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return data, nil
}

// parseMessages parses a frame received from the server: normally it's an
// array of messages, but a single object is accepted too.
func parseMessages(data []byte) ([]*Message, error) {
	trimmed := bytes.TrimSpace(data)

	var raws []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, errors.Annotatef(err, "parsing message array")
		}
	} else {
		raws = []json.RawMessage{trimmed}
	}

	msgs := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		msg := &Message{}
		if err := json.Unmarshal(raw, msg); err != nil {
			return nil, errors.Annotatef(err, "parsing message %s", raw)
		}
		msg.Raw = raw
		msgs = append(msgs, msg)
	}

	return msgs, nil
}
