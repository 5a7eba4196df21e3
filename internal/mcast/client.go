package mcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"

	"github.com/bsteffensmeier/goldm/internal/ldm7"
)

// -------------------------------------------------------------------------
// Unix-socket wire format
// -------------------------------------------------------------------------

// request is one manager operation. A connection carries exactly one
// request/response exchange.
type request struct {
	Op     string `json:"op"` // "subscribe" | "unsubscribe"
	Feed   uint32 `json:"feed"`
	Client string `json:"client,omitempty"` // address to release
}

// response mirrors the manager's result. Status is "ok", "noent", or
// "error".
type response struct {
	Status string `json:"status"`
	Group  string `json:"group,omitempty"`
	Fmtp   string `json:"fmtp,omitempty"`
	Client string `json:"client,omitempty"`
	Error  string `json:"error,omitempty"`
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client reaches the parent daemon's multicast manager over its unix
// socket. Each call is one short-lived connection, so the client holds no
// state and needs no teardown.
type Client struct {
	socketPath string
}

// NewClient creates a client for the manager socket at path.
func NewClient(path string) *Client {
	return &Client{socketPath: path}
}

// roundTrip sends req and decodes the response.
func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	var resp response

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return resp, fmt.Errorf("dial multicast manager: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return resp, fmt.Errorf("send manager request: %w", err)
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, fmt.Errorf("read manager response: %w", err)
	}
	return resp, nil
}

// Subscribe asks the manager to ensure a publisher for feed and allocate a
// client address.
func (c *Client) Subscribe(ctx context.Context, feed ldm7.Feed) (SubscriptionInfo, error) {
	resp, err := c.roundTrip(ctx, request{Op: "subscribe", Feed: uint32(feed)})
	if err != nil {
		return SubscriptionInfo{}, err
	}
	switch resp.Status {
	case "ok":
	case "noent":
		return SubscriptionInfo{}, fmt.Errorf("%w: %s", ErrNoSuchFeed, feed)
	default:
		return SubscriptionInfo{}, fmt.Errorf("multicast manager: %s", resp.Error)
	}

	var info SubscriptionInfo
	if info.Group, err = netip.ParseAddrPort(resp.Group); err != nil {
		return info, fmt.Errorf("parse group %q: %w", resp.Group, err)
	}
	if info.FmtpServer, err = netip.ParseAddrPort(resp.Fmtp); err != nil {
		return info, fmt.Errorf("parse fmtp server %q: %w", resp.Fmtp, err)
	}
	if info.ClientAddr, err = netip.ParsePrefix(resp.Client); err != nil {
		return info, fmt.Errorf("parse client address %q: %w", resp.Client, err)
	}
	return info, nil
}

// Unsubscribe releases clientAddr for feed. Idempotent on the manager side.
func (c *Client) Unsubscribe(ctx context.Context, feed ldm7.Feed, clientAddr netip.Addr) error {
	resp, err := c.roundTrip(ctx, request{
		Op:     "unsubscribe",
		Feed:   uint32(feed),
		Client: clientAddr.String(),
	})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("multicast manager: %s", resp.Error)
	}
	return nil
}

var _ Manager = (*Client)(nil)
