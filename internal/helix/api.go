package helix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// User is the subset of the Helix users payload the core needs.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Reward is one channel-points reward, cached for display and test events.
type Reward struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cost  int    `json:"cost"`
}

// Transport binds a subscription to the current WebSocket session.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription mirrors the server-side subscription descriptor. It is
// never stored locally beyond a reconciliation pass.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// SubscriptionRequest is the create-subscription tuple.
type SubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// StatusError reports a non-2xx Helix response. Body is scrubbed of
// token-shaped fields.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// ChatSendError is local to one scheduled effect's chat operation; it
// never affects the pitch/speed portion of the same effect.
type ChatSendError struct {
	Status int
	Body   string
}

func (e *ChatSendError) Error() string {
	return fmt.Sprintf("helix: chat send failed: status %d: %s", e.Status, e.Body)
}

func statusErr(op string, resp *http.Response) error {
	return &StatusError{Op: op, Status: resp.StatusCode, Body: Scrub(ReadBody(resp))}
}

// GetSelf fetches the profile of the token's owning identity.
func (c *Client) GetSelf(ctx context.Context) (User, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/users", nil)
	if err != nil {
		return User{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return User{}, statusErr("get self", resp)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return User{}, fmt.Errorf("helix: decode users: %w", err)
	}
	if len(parsed.Data) == 0 {
		return User{}, errors.New("helix: users response is empty")
	}
	return parsed.Data[0], nil
}

// ListRewards fetches the broadcaster's channel-points rewards.
func (c *Client) ListRewards(ctx context.Context, broadcasterID string) ([]Reward, error) {
	path := "/channel_points/custom_rewards?broadcaster_id=" + url.QueryEscape(broadcasterID)
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("list rewards", resp)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []Reward `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("helix: decode rewards: %w", err)
	}
	return parsed.Data, nil
}

// SendChatMessage posts a message to the broadcaster's chat and returns
// the platform message id.
func (c *Client) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	})
	if err != nil {
		return "", fmt.Errorf("helix: marshal chat message: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, "/chat/messages", payload)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ChatSendError{Status: resp.StatusCode, Body: Scrub(ReadBody(resp))}
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			MessageID string `json:"message_id"`
			IsSent    bool   `json:"is_sent"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("helix: decode chat response: %w", err)
	}
	if len(parsed.Data) == 0 || !parsed.Data[0].IsSent {
		return "", &ChatSendError{Status: resp.StatusCode, Body: "message was dropped"}
	}
	return parsed.Data[0].MessageID, nil
}

// ListSubscriptions lists the server-side EventSub subscriptions owned by
// this client id.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/eventsub/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("list subscriptions", resp)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("helix: decode subscriptions: %w", err)
	}
	return parsed.Data, nil
}

// ErrForbidden marks a permission failure; the reconciler treats it as
// terminal for the session.
var ErrForbidden = errors.New("helix: forbidden")

// CreateSubscription registers one subscription over the given transport.
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Subscription{}, fmt.Errorf("helix: marshal subscription: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, "/eventsub/subscriptions", payload)
	if err != nil {
		return Subscription{}, err
	}
	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return Subscription{}, fmt.Errorf("create %s: %w", req.Type, ErrForbidden)
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return Subscription{}, statusErr("create "+req.Type, resp)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Subscription{}, fmt.Errorf("helix: decode created subscription: %w", err)
	}
	if len(parsed.Data) == 0 {
		return Subscription{}, errors.New("helix: created subscription missing from response")
	}
	return parsed.Data[0], nil
}

// DeleteSubscription removes one server-side subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	resp, err := c.Do(ctx, http.MethodDelete, "/eventsub/subscriptions?id="+url.QueryEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "delete subscription", Status: resp.StatusCode, Body: Scrub(ReadBody(resp))}
	}
	return nil
}
