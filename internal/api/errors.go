package api

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// LogMessage is one <log type="..">text</log> entry of a server answer.
type LogMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m LogMessage) String() string {
	return m.Type + ": " + m.Text
}

// RemoteRejected is returned when the server refuses a request.
type RemoteRejected struct {
	Op       string
	Status   int
	Messages []LogMessage
	// Body is the raw answer, kept when no message could be extracted.
	Body string
}

func (e *RemoteRejected) Error() string {
	var detail string
	switch {
	case len(e.Messages) > 0:
		parts := make([]string, len(e.Messages))
		for i, m := range e.Messages {
			parts[i] = m.String()
		}
		detail = strings.Join(parts, "; ")
	case e.Body != "":
		detail = e.Body
	default:
		detail = "empty response"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s rejected (HTTP %d): %s", e.Op, e.Status, detail)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, detail)
}

// IsRemoteRejected reports whether err wraps a *RemoteRejected.
func IsRemoteRejected(err error) bool {
	var r *RemoteRejected
	return errors.As(err, &r)
}

// Rejection builds the error of a refused request. Log entries of the body
// supply the messages; the raw body is the fallback.
func Rejection(op string, resp *Response) *RemoteRejected {
	rej := &RemoteRejected{Op: op, Status: resp.StatusCode}
	if msgs, err := ParseLogs(resp.Body); err == nil && len(msgs) > 0 {
		rej.Messages = msgs
		return rej
	}
	if text := elementText(resp.Body, "erreur"); text != "" {
		rej.Messages = []LogMessage{{Type: "erreur", Text: text}}
		return rej
	}
	rej.Body = string(resp.Body)
	return rej
}

// ParseLogs returns every log element of an XML document in document order.
func ParseLogs(body []byte) ([]LogMessage, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	msgs := []LogMessage{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse log entries: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "log" {
			continue
		}
		var entry struct {
			Type string `xml:"type,attr"`
			Text string `xml:",chardata"`
		}
		if err := dec.DecodeElement(&entry, &start); err != nil {
			return nil, fmt.Errorf("parse log entries: %w", err)
		}
		msgs = append(msgs, LogMessage{Type: entry.Type, Text: strings.TrimSpace(entry.Text)})
	}
}

// HasElement reports whether a direct child of the root is named name.
func HasElement(body []byte, name string) bool {
	_, found := childText(body, name)
	return found
}

func elementText(body []byte, name string) string {
	text, _ := childText(body, name)
	return text
}

// childText finds the first direct child of the root named name.
func childText(body []byte, name string) (string, bool) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && t.Name.Local == name {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return "", true
				}
				return strings.TrimSpace(text), true
			}
		case xml.EndElement:
			depth--
		}
	}
}
