// Package txn runs the open, edit and close calls of one RFU changeset.
//
// A Client holds at most one changeset. Calls must follow Open, Submit,
// Close; anything else fails with ErrOutOfOrder. A failed step moves the
// client to StateFailed and the changeset is abandoned: there is no
// rollback, the server is the only record of what was opened.
package txn

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/changeset"
)

// State of a transaction client.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateSubmitted
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateSubmitted:
		return "submitted"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrProtocolInconsistency means the open answer did not carry exactly
	// one changeset element.
	ErrProtocolInconsistency = errors.New("protocol inconsistency")

	// ErrOutOfOrder is returned when a call does not follow open, submit, close.
	ErrOutOfOrder = errors.New("changeset call out of order")

	// ErrChangesetActive is returned by Open while a changeset is in flight.
	ErrChangesetActive = errors.New("a changeset is already active")
)

// Remote is the part of the API client used by a transaction.
type Remote interface {
	OpenChangeset(ctx context.Context, zone, dossierID, comment string) (*api.Response, error)
	Edit(ctx context.Context, zone string, document []byte) (*api.Response, error)
	CloseChangeset(ctx context.Context, zone, id string) (*api.Response, error)
}

// Client wraps the changeset protocol of one zone.
type Client struct {
	remote Remote
	logger *slog.Logger

	state State
	zone  string
	id    string
}

// New returns an idle client. A nil logger uses slog.Default.
func New(remote Remote, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{remote: remote, logger: logger}
}

// State returns the current state.
func (c *Client) State() State { return c.state }

// Changeset returns the id of the current changeset, empty when idle.
func (c *Client) Changeset() string { return c.id }

// Zone returns the zone of the current changeset.
func (c *Client) Zone() string { return c.zone }

// Open opens a changeset and returns its id.
func (c *Client) Open(ctx context.Context, zone, dossierID, comment string) (string, error) {
	switch c.state {
	case StateOpen, StateSubmitted:
		return "", fmt.Errorf("open changeset: %w (changeset %s is %s)", ErrChangesetActive, c.id, c.state)
	}
	c.state, c.zone, c.id = StateIdle, zone, ""

	resp, err := c.remote.OpenChangeset(ctx, zone, dossierID, comment)
	if err != nil {
		return "", c.fail(fmt.Errorf("open changeset: %w", err))
	}
	if !resp.OK() || api.HasElement(resp.Body, "log") {
		return "", c.fail(api.Rejection("open changeset", resp))
	}

	id, err := changesetID(resp.Body)
	if err != nil {
		return "", c.fail(err)
	}
	c.state, c.id = StateOpen, id
	c.logger.Info("changeset opened", "zone", zone, "changeset", id)
	return id, nil
}

// Submit sends doc under the open changeset. The log entries of a
// successful answer are returned as audit messages.
func (c *Client) Submit(ctx context.Context, doc *changeset.Document) ([]api.LogMessage, error) {
	if c.state != StateOpen {
		return nil, fmt.Errorf("submit: %w (state %s)", ErrOutOfOrder, c.state)
	}
	doc.SetChangeset(c.id)
	body, err := doc.Marshal()
	if err != nil {
		return nil, c.fail(fmt.Errorf("submit: %w", err))
	}

	resp, err := c.remote.Edit(ctx, c.zone, body)
	if err != nil {
		return nil, c.fail(fmt.Errorf("submit changeset %s: %w", c.id, err))
	}
	if !resp.OK() || api.HasElement(resp.Body, "erreur") {
		return nil, c.fail(api.Rejection("submit changeset "+c.id, resp))
	}
	msgs, err := api.ParseLogs(resp.Body)
	if err != nil {
		// The edit was accepted; an unreadable audit trail is not a failure.
		c.logger.Warn("unreadable edit answer", "changeset", c.id, "err", err)
		msgs = []api.LogMessage{}
	}
	c.state = StateSubmitted
	c.logger.Info("changeset submitted", "zone", c.zone, "changeset", c.id, "elements", doc.Len(), "messages", len(msgs))
	return msgs, nil
}

// Close closes the submitted changeset. It is attempted once; the caller
// decides what to do with an unclosed changeset.
func (c *Client) Close(ctx context.Context) error {
	if c.state != StateSubmitted {
		return fmt.Errorf("close: %w (state %s)", ErrOutOfOrder, c.state)
	}
	resp, err := c.remote.CloseChangeset(ctx, c.zone, c.id)
	if err != nil {
		return c.fail(fmt.Errorf("close changeset %s: %w", c.id, err))
	}
	if !resp.OK() || api.HasElement(resp.Body, "log") {
		return c.fail(api.Rejection("close changeset "+c.id, resp))
	}
	c.state = StateClosed
	c.logger.Info("changeset closed", "zone", c.zone, "changeset", c.id)
	return nil
}

func (c *Client) fail(err error) error {
	c.logger.Error("changeset failed", "zone", c.zone, "changeset", c.id, "state", c.state.String(), "err", err)
	c.state = StateFailed
	return err
}

// changesetID extracts the single changeset element of an open answer.
// The element may be the root or nested at any depth.
func changesetID(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	ids := []string{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("open changeset: %w: %v", ErrProtocolInconsistency, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "changeset" {
			continue
		}
		id := ""
		for _, attr := range start.Attr {
			if attr.Name.Local == "id" {
				id = attr.Value
			}
		}
		ids = append(ids, id)
	}
	if len(ids) != 1 {
		return "", fmt.Errorf("open changeset: %w: %d changeset elements", ErrProtocolInconsistency, len(ids))
	}
	if ids[0] == "" {
		return "", fmt.Errorf("open changeset: %w: changeset without id", ErrProtocolInconsistency)
	}
	return ids[0], nil
}
