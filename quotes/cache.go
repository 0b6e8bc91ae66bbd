/*
Package quotes keeps the latest MarketPrice field images received over
streaming sessions.

With hot standby, the same item arrives over both sessions, so images are
kept per (session, item): comparing them shows whether the standby is in step
with the primary.
*/
package quotes // import "github.com/y3sh/rt-sdk-go/quotes"

import (
	"sort"
	"sync"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/y3sh/rt-sdk-go/client/websocket"
)

var logger = loggo.GetLogger("rtsdk.quotes")

// Key identifies an image.
type Key struct {
	Session string
	Item    string
}

// streamKey identifies an item stream within a session; updates may only
// carry the stream ID.
type streamKey struct {
	session string
	id      int
}

type sessionMsg struct {
	session string
	msg     *websocket.Message
}

type reqImage struct {
	key    Key
	result chan<- *Image
}

type reqImages struct {
	result chan<- []Image
}

type reqAddUpdateCB struct {
	cb     OnUpdateCB
	result chan<- struct{}
}

// Update is delivered to handlers registered with OnUpdate. Exactly one of
// the fields is set.
type Update struct {
	// Image is a copy of the image after a refresh or an update was applied.
	Image *Image
	// StateUpdate is set when the stream state of an item changes.
	StateUpdate *StateUpdate
	// Err is set when a message couldn't be applied.
	Err error
}

// StateUpdate is the new stream state of an item.
type StateUpdate struct {
	Key

	StreamState string
	DataState   string
	Text        string
}

// IsOpenOk reports whether the stream is open and the data is ok.
func (su *StateUpdate) IsOpenOk() bool {
	return su.StreamState == websocket.StreamStateOpen && su.DataState == websocket.DataStateOk
}

type OnUpdateCB func(update Update)

// CacheParams contains params for creating a new cache.
type CacheParams struct {
	// Below are mockables; should only be set for tests. By default, prod values
	// will be used.

	clock clock.Clock

	// internalEvent is called right after processing an event in eventLoop.
	// It's a no-op for prod.
	internalEvent func(ie internalEvent)
}

// Cache maintains the field images of all items received over all
// sessions. Messages are typically fed to it by Attach.
type Cache struct {
	params CacheParams

	msgChan     chan sessionMsg
	addUpdateCB chan reqAddUpdateCB
	reqImage    chan reqImage
	reqImages   chan reqImages
	stopChan    chan struct{}
	stopOnce    sync.Once

	images  map[Key]*Image
	streams map[streamKey]string

	updateCBs []OnUpdateCB
}

// NewCache creates a new cache and starts its event loop.
func NewCache(params *CacheParams) *Cache {
	c := &Cache{
		params: *params,

		msgChan:     make(chan sessionMsg, 64),
		addUpdateCB: make(chan reqAddUpdateCB),
		reqImage:    make(chan reqImage),
		reqImages:   make(chan reqImages),
		stopChan:    make(chan struct{}),

		images:  map[Key]*Image{},
		streams: map[streamKey]string{},
	}

	// Set prod values for mockables by default.

	if c.params.clock == nil {
		c.params.clock = clock.New()
	}

	if c.params.internalEvent == nil {
		c.params.internalEvent = func(ie internalEvent) {}
	}

	go c.eventLoop()

	return c
}

// Attach makes the cache receive all messages of the given session.
func (c *Cache) Attach(s *websocket.Session) {
	name := s.Name()
	s.OnMessage(func(msg *websocket.Message) {
		c.Receive(name, msg)
	})
}

// Receive should be called with every message received over the session.
// Login messages and types other than Refresh, Update and Status are
// ignored, and so is everything after Close.
func (c *Cache) Receive(session string, msg *websocket.Message) {
	select {
	case c.msgChan <- sessionMsg{session: session, msg: msg}:
	case <-c.stopChan:
	}
}

// OnUpdate registers a new callback which will be called when an image or
// an item state changes. The callbacks are called from the same internal
// eventloop, so they are never called concurrently with each other, and the
// callback shouldn't block.
func (c *Cache) OnUpdate(cb OnUpdateCB) {
	result := make(chan struct{})

	select {
	case c.addUpdateCB <- reqAddUpdateCB{cb: cb, result: result}:
		<-result
	case <-c.stopChan:
	}
}

// Get returns a copy of the image of the given item received over the given
// session.
func (c *Cache) Get(session, item string) (Image, bool) {
	result := make(chan *Image, 1)

	select {
	case c.reqImage <- reqImage{key: Key{Session: session, Item: item}, result: result}:
	case <-c.stopChan:
		return Image{}, false
	}

	im := <-result
	if im == nil {
		return Image{}, false
	}

	return *im, true
}

// Images returns copies of all images, sorted by item and then session.
func (c *Cache) Images() []Image {
	result := make(chan []Image, 1)

	select {
	case c.reqImages <- reqImages{result: result}:
	case <-c.stopChan:
		return nil
	}

	return <-result
}

// Close stops event loop; after that the cache is empty, and messages passed
// to it are dropped. Closing it again does nothing.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	return nil
}

// receiveInternal should only be called from the eventLoop.
func (c *Cache) receiveInternal(session string, msg *websocket.Message) {
	if msg.IsLogin() {
		return
	}

	switch msg.Type {
	case websocket.MsgTypeRefresh:
		c.receiveRefreshInternal(session, msg)
	case websocket.MsgTypeUpdate:
		c.receiveUpdateInternal(session, msg)
	case websocket.MsgTypeStatus:
		c.receiveStatusInternal(session, msg)
	default:
		logger.Tracef("%s: ignoring %s message", session, msg.Type)
	}
}

// receiveRefreshInternal should only be called from the eventLoop.
func (c *Cache) receiveRefreshInternal(session string, msg *websocket.Message) {
	im, err := c.getImage(session, msg, true)
	if err != nil {
		c.callUpdateCBs(Update{Err: errors.Trace(err)})
		return
	}

	if msg.Key != nil && msg.Key.Service != "" {
		im.Service = msg.Key.Service
	}

	im.ApplyRefresh(msg.Fields, c.params.clock.Now())

	c.applyState(im, msg.State)

	cp := im.Copy()
	c.callUpdateCBs(Update{Image: &cp})
}

// receiveUpdateInternal should only be called from the eventLoop.
func (c *Cache) receiveUpdateInternal(session string, msg *websocket.Message) {
	im, err := c.getImage(session, msg, false)
	if err != nil {
		c.callUpdateCBs(Update{Err: errors.Trace(err)})
		return
	}

	if err := im.ApplyUpdate(msg.Fields, c.params.clock.Now()); err != nil {
		c.callUpdateCBs(Update{
			Err: errors.Annotatef(err, "%s/%s", session, im.Item),
		})
		return
	}

	cp := im.Copy()
	c.callUpdateCBs(Update{Image: &cp})
}

// receiveStatusInternal should only be called from the eventLoop.
func (c *Cache) receiveStatusInternal(session string, msg *websocket.Message) {
	im, err := c.getImage(session, msg, true)
	if err != nil {
		c.callUpdateCBs(Update{Err: errors.Trace(err)})
		return
	}

	c.applyState(im, msg.State)
}

// getImage returns the image the message belongs to. Unless create is true,
// the image must exist already.
//
// getImage should only be called from the eventLoop.
func (c *Cache) getImage(session string, msg *websocket.Message, create bool) (*Image, error) {
	sk := streamKey{session: session, id: msg.ID}

	item := msg.ItemName()
	if item == "" {
		item = c.streams[sk]
	}

	if item == "" {
		return nil, errors.Errorf("%s: unknown stream %d", session, msg.ID)
	}

	key := Key{Session: session, Item: item}

	im, ok := c.images[key]
	if !ok {
		if !create {
			return nil, errors.Annotatef(ErrNoRefresh, "%s/%s", session, item)
		}

		im = NewImage(session, item)
		c.images[key] = im
	}

	c.streams[sk] = item

	return im, nil
}

// applyState should only be called from the eventLoop.
func (c *Cache) applyState(im *Image, state *websocket.StreamState) {
	if state == nil {
		return
	}

	if !im.ApplyState(state.Stream, state.Data, state.Text) {
		return
	}

	if !state.IsOpenOk() {
		logger.Warningf(
			"%s/%s: stream %s, data %s: %s", im.Session, im.Item, state.Stream, state.Data, state.Text,
		)
	}

	c.callUpdateCBs(Update{
		StateUpdate: &StateUpdate{
			Key:         Key{Session: im.Session, Item: im.Item},
			StreamState: state.Stream,
			DataState:   state.Data,
			Text:        state.Text,
		},
	})
}

// callUpdateCBs should only be called from the eventLoop.
func (c *Cache) callUpdateCBs(update Update) {
	for _, cb := range c.updateCBs {
		cb(update)
	}
}

// imagesInternal should only be called from the eventLoop.
func (c *Cache) imagesInternal() []Image {
	res := make([]Image, 0, len(c.images))
	for _, im := range c.images {
		res = append(res, im.Copy())
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].Item != res[j].Item {
			return res[i].Item < res[j].Item
		}
		return res[i].Session < res[j].Session
	})

	return res
}

type internalEvent int

const (
	internalEventMsgHandled internalEvent = iota
)

func (c *Cache) eventLoop() {
	for {
		select {
		case sm := <-c.msgChan:
			c.receiveInternal(sm.session, sm.msg)
			c.params.internalEvent(internalEventMsgHandled)

		case req := <-c.reqImage:
			var res *Image
			if im, ok := c.images[req.key]; ok {
				cp := im.Copy()
				res = &cp
			}
			req.result <- res

		case req := <-c.reqImages:
			req.result <- c.imagesInternal()

		case req := <-c.addUpdateCB:
			c.updateCBs = append(c.updateCBs, req.cb)
			req.result <- struct{}{}

		case <-c.stopChan:
			return
		}
	}
}
