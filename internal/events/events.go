// Package events carries display-state updates from the UI to the viewer.
// Updates flow one way: the UI publishes values and never reads state back.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/markerview/server/internal/dataset"
)

// Kind selects which part of the display state an event changes.
type Kind string

const (
	// GroupDisplay changes the visibility, colour or shape of one group.
	GroupDisplay Kind = "group"
	// RenderState changes the opacity, colormap or scalar range of a dataset.
	RenderState Kind = "render"
)

// ErrInvalid is returned for events that cannot be applied.
var ErrInvalid = errors.New("invalid event")

// Event is one display-state update. Nil fields are left unchanged.
type Event struct {
	Kind    Kind       `json:"kind"`
	Dataset dataset.ID `json:"uid"`
	Group   string     `json:"group,omitempty"`

	Visible *bool   `json:"visible,omitempty"`
	Color   *string `json:"color,omitempty"`
	Shape   *string `json:"shape,omitempty"`

	Opacity   *float64 `json:"opacity,omitempty"`
	Colormap  *string  `json:"colormap,omitempty"`
	ScalarMin *float64 `json:"scalar_min,omitempty"`
	ScalarMax *float64 `json:"scalar_max,omitempty"`
}

// Validate checks that the event names its target and carries a change.
func (e Event) Validate() error {
	if e.Dataset == "" {
		return fmt.Errorf("%w: missing uid", ErrInvalid)
	}
	switch e.Kind {
	case GroupDisplay:
		if e.Group == "" {
			return fmt.Errorf("%w: group event without group", ErrInvalid)
		}
		if e.Visible == nil && e.Color == nil && e.Shape == nil {
			return fmt.Errorf("%w: group event changes nothing", ErrInvalid)
		}
		if e.Color != nil {
			if _, err := dataset.ParseHexColor(*e.Color); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
		if e.Shape != nil {
			if _, err := dataset.ParseShape(*e.Shape); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	case RenderState:
		if e.Opacity == nil && e.Colormap == nil && e.ScalarMin == nil && e.ScalarMax == nil {
			return fmt.Errorf("%w: render event changes nothing", ErrInvalid)
		}
		if e.Opacity != nil && (*e.Opacity < 0 || *e.Opacity > 1) {
			return fmt.Errorf("%w: opacity %v outside [0,1]", ErrInvalid, *e.Opacity)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
	}
	return nil
}

// Decode parses and validates an event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return e, e.Validate()
}

// Handler applies one event.
type Handler func(Event) error

// Subscriber feeds events published on a NATS subject to a handler.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	handler Handler
}

// Subscribe connects to url and delivers every event on subject to h.
func Subscribe(url, subject string, h Handler) (*Subscriber, error) {
	nc, err := nats.Connect(url, nats.Name("markerview"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	s := &Subscriber{nc: nc, handler: h}
	s.sub, err = nc.Subscribe(subject, s.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	log.Printf("[events] subscribed to %s on %s", subject, url)
	return s, nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	e, err := Decode(msg.Data)
	if err != nil {
		log.Printf("[events] dropping message on %s: %v", msg.Subject, err)
		s.reply(msg, err)
		return
	}
	err = s.handler(e)
	if err != nil {
		log.Printf("[events] %s event for %s failed: %v", e.Kind, e.Dataset, err)
	}
	s.reply(msg, err)
}

// reply answers request-style publishes with "ok" or the error text.
func (s *Subscriber) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" || s.nc == nil {
		return
	}
	body := []byte("ok")
	if err != nil {
		body = []byte(err.Error())
	}
	if perr := s.nc.Publish(msg.Reply, body); perr != nil {
		log.Printf("[events] reply failed: %v", perr)
	}
}

// Close unsubscribes and drains the connection.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	return s.nc.Drain()
}
