// Package event builds and parses the CloudEvents envelopes the API
// exchanges with workers.
//
// Envelopes are rebuilt from event history records at delivery time. The
// stable identity of an event is its (channel, sequence) pair, carried in
// extensions; the envelope ID is minted per build.
package event

import (
	"errors"
	"fmt"
	"strconv"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"kernelci.org/api/store"
)

// DefaultType is the CloudEvents type applied when the publisher does not
// set one.
const DefaultType = "api.kernelci.org"

// Extension attribute names. Extension values are always strings so the
// envelope survives any CloudEvents transport encoding.
const (
	ExtChannel  = "channel"
	ExtOwner    = "owner"
	ExtSequence = "sequenceid"
)

// Build wraps an event history record in a CloudEvents envelope.
func Build(rec *store.EventRecord, defaultSource string) (cloudevents.Event, error) {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())

	typ := rec.Type
	if typ == "" {
		typ = DefaultType
	}
	ev.SetType(typ)

	source := rec.Source
	if source == "" {
		source = defaultSource
	}
	ev.SetSource(source)

	if !rec.Timestamp.IsZero() {
		ev.SetTime(rec.Timestamp)
	}

	ev.SetExtension(ExtChannel, rec.Channel)
	if rec.Owner != "" {
		ev.SetExtension(ExtOwner, rec.Owner)
	}
	// Queue messages are built from records that never entered the history
	// and carry no sequence.
	if rec.SequenceID > 0 {
		ev.SetExtension(ExtSequence, strconv.FormatInt(rec.SequenceID, 10))
	}

	if err := ev.SetData(cloudevents.ApplicationJSON, rec.Data); err != nil {
		return cloudevents.Event{}, fmt.Errorf("encode event data: %w", err)
	}
	return ev, nil
}

// Parse decodes a JSON CloudEvents envelope.
func Parse(raw []byte) (cloudevents.Event, error) {
	ev := cloudevents.NewEvent()
	if err := ev.UnmarshalJSON(raw); err != nil {
		return cloudevents.Event{}, fmt.Errorf("decode cloudevent: %w", err)
	}
	return ev, nil
}

// Sequence extracts the sequence extension from an envelope.
func Sequence(ev *cloudevents.Event) (int64, error) {
	raw, ok := ev.Extensions()[ExtSequence]
	if !ok {
		return 0, errors.New("envelope has no sequence extension")
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("sequence extension has type %T", raw)
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed sequence extension %q: %w", s, err)
	}
	return seq, nil
}

// Channel extracts the channel extension, empty when absent.
func Channel(ev *cloudevents.Event) string {
	s, _ := ev.Extensions()[ExtChannel].(string)
	return s
}

// Owner extracts the owner extension, empty when absent.
func Owner(ev *cloudevents.Event) string {
	s, _ := ev.Extensions()[ExtOwner].(string)
	return s
}

// PublishRequest is the decoded body of a publish call. Type and source
// may be given directly or through the attributes map; the direct fields
// win.
type PublishRequest struct {
	Data       any               `json:"data"`
	Type       string            `json:"type,omitempty"`
	Source     string            `json:"source,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Record converts the request into an event history record on channel. The
// owner is always the authenticated publisher, never client-supplied.
func (p *PublishRequest) Record(channel, owner string) (*store.EventRecord, error) {
	if p.Data == nil {
		return nil, errors.New("data is required")
	}
	typ := p.Type
	if typ == "" {
		typ = p.Attributes["type"]
	}
	source := p.Source
	if source == "" {
		source = p.Attributes["source"]
	}
	return &store.EventRecord{
		Channel: channel,
		Owner:   owner,
		Type:    typ,
		Source:  source,
		Data:    p.Data,
	}, nil
}
