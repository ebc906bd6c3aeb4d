package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNotObject is returned by Decode when the payload is valid JSON but not an object.
var ErrNotObject = errors.New("payload is not a JSON object")

// ActionRedirect is the action tag that turns a message into a navigation.
const ActionRedirect = "redirect"

// ActionMatch is the toast action that carries accept and reject affordances.
const ActionMatch = "match"

// ActionData carries the affordances of an actionable toast.
type ActionData struct {
	AcceptURL  string `json:"accept_url,omitempty"`
	AcceptText string `json:"accept_text,omitempty"`
	RejectURL  string `json:"reject_url,omitempty"`
	RejectText string `json:"reject_text,omitempty"`
}

// Message is an inbound notification as pushed by the server.
type Message struct {
	ExtraData *ActionData `json:"extra_data,omitempty"`
	Action    string      `json:"action,omitempty"`
	URL       string      `json:"url,omitempty"`
	Title     string      `json:"title,omitempty"`
	Message   string      `json:"message,omitempty"`
	Tag       string      `json:"tag,omitempty"`
	// Delay is the redirect delay in milliseconds.
	Delay float64 `json:"delay,omitempty"`
}

// Decode parses a payload. Anything but a JSON object is an error. Fields are
// read leniently: a wrongly typed field is coerced or left empty instead of
// failing the whole message.
func Decode(data []byte) (Message, error) {
	var msg Message
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return msg, errors.New("empty payload")
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return msg, errors.New("payload is not valid JSON")
		}
		return msg, ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return msg, fmt.Errorf("decode payload: %w", err)
	}
	msg.Action = text(fields["action"])
	msg.URL = text(fields["url"])
	msg.Title = text(fields["title"])
	msg.Message = text(fields["message"])
	msg.Tag = text(fields["tag"])
	msg.Delay = number(fields["delay"])

	var extra map[string]json.RawMessage
	if raw := fields["extra_data"]; len(raw) > 0 && json.Unmarshal(raw, &extra) == nil && extra != nil {
		msg.ExtraData = &ActionData{
			AcceptURL:  text(extra["accept_url"]),
			AcceptText: text(extra["accept_text"]),
			RejectURL:  text(extra["reject_url"]),
			RejectText: text(extra["reject_text"]),
		}
	}
	return msg, nil
}

// text renders a scalar as a string. Strings are taken as is, non-zero
// numbers and true by their literal; everything else is empty.
func text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "true"
		}
	}
	return ""
}

// number reads a number or a numeric string; anything else is 0.
func number(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	switch v := v.(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}
	return 0
}

// maxDelayMillis is the largest delay browsers honour; longer delays fire
// immediately.
const maxDelayMillis = 1<<31 - 1

// RedirectDelay returns the redirect delay; absent, negative or out of range
// means now.
func (m Message) RedirectDelay() time.Duration {
	if m.Delay <= 0 || m.Delay > maxDelayMillis {
		return 0
	}
	return time.Duration(m.Delay * float64(time.Millisecond))
}

// Style is the visual treatment of a toast.
type Style struct {
	Background string
	Text       string
}

// Dark reports whether the style is light text on a dark background.
func (s Style) Dark() bool {
	return s.Text == "text-white"
}

// StyleFor maps a severity tag to a style. "success" and "danger" render
// light-on-dark, every other tag dark-on-light.
func StyleFor(tag string) Style {
	bg := "bg-primary"
	if tag != "" {
		bg = "bg-" + tag
	}
	switch tag {
	case "success", "danger":
		return Style{Background: bg, Text: "text-white"}
	default:
		return Style{Background: bg, Text: "text-dark"}
	}
}

// Toast is a display instruction for the presenter.
type Toast struct {
	Data   *ActionData
	Title  string
	Body   string
	Action string
	Tag    string
	Style  Style
}

// Actionable reports whether the toast carries accept and reject affordances.
func (t Toast) Actionable() bool {
	return t.Action == ActionMatch && t.Data != nil
}
