package quotes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/juju/errors"
)

var (
	// ErrNoRefresh is returned when an update arrives for an item whose
	// refresh wasn't received yet.
	ErrNoRefresh = errors.New("update before refresh")
)

// Image is the latest field image of a single item over a single session.
//
// It is not thread-safe; Cache only touches it from its event loop, and hands
// out copies.
type Image struct {
	Session string
	Item    string
	Service string

	Fields map[string]interface{}

	StreamState string
	DataState   string
	Text        string

	UpdatedAt time.Time

	NumRefreshes int
	NumUpdates   int
}

// NewImage creates an empty image, which becomes usable after the first
// refresh.
func NewImage(session, item string) *Image {
	return &Image{
		Session: session,
		Item:    item,
	}
}

// HasRefresh reports whether a refresh was applied.
func (im *Image) HasRefresh() bool {
	return im.NumRefreshes > 0
}

// ApplyRefresh replaces all fields.
func (im *Image) ApplyRefresh(fields map[string]interface{}, now time.Time) {
	im.Fields = make(map[string]interface{}, len(fields))
	for k, v := range fields {
		im.Fields[k] = v
	}

	im.NumRefreshes++
	im.UpdatedAt = now
}

// ApplyUpdate merges the given fields into the image. If no refresh was
// applied yet, returns ErrNoRefresh without applying anything.
func (im *Image) ApplyUpdate(fields map[string]interface{}, now time.Time) error {
	if !im.HasRefresh() {
		return errors.Trace(ErrNoRefresh)
	}

	for k, v := range fields {
		im.Fields[k] = v
	}

	im.NumUpdates++
	im.UpdatedAt = now

	return nil
}

// ApplyState records the stream state; it returns true if it has changed.
func (im *Image) ApplyState(stream, data, text string) bool {
	changed := im.StreamState != stream || im.DataState != data || im.Text != text

	im.StreamState = stream
	im.DataState = data
	im.Text = text

	return changed
}

// Copy returns a deep copy of the image.
func (im *Image) Copy() Image {
	res := *im

	if im.Fields != nil {
		res.Fields = make(map[string]interface{}, len(im.Fields))
		for k, v := range im.Fields {
			res.Fields[k] = v
		}
	}

	return res
}

// Float returns a numeric field value. Numbers may come as strings.
func (im *Image) Float(field string) (float64, bool) {
	switch v := im.Fields[field].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}

	return 0, false
}

// FieldString formats a field value for display; missing fields are "-".
func (im *Image) FieldString(field string) string {
	v, ok := im.Fields[field]
	if !ok || v == nil {
		return "-"
	}

	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	return fmt.Sprint(v)
}

// FieldNames returns the sorted names of all fields.
func (im *Image) FieldNames() []string {
	names := make([]string, 0, len(im.Fields))
	for k := range im.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	return names
}

func (im *Image) String() string {
	return fmt.Sprintf(
		"%s/%s: %d fields, %s/%s, %d refreshes, %d updates",
		im.Session, im.Item, len(im.Fields), im.StreamState, im.DataState,
		im.NumRefreshes, im.NumUpdates,
	)
}
