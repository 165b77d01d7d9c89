package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/mizosoft/graftchat/api"
)

const (
	requestTimeout = 5 * time.Second
	retryInterval  = 50 * time.Millisecond
	maxRetries     = 10
)

// ResponseError is a non-200 reply from the service.
type ResponseError struct {
	Status   int
	Response api.ErrorResponse
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server replied %d: %s (%s)", e.Status, e.Response.Error, e.Response.Kind)
}

// ChatClient talks to one server of the cluster at a time and moves on to the next one when that server
// can't be reached or can't serve writes.
type ChatClient struct {
	id        string
	addresses []string
	current   int
	http      *http.Client
	mut       sync.Mutex
}

func NewChatClient(addresses []string) *ChatClient {
	return &ChatClient{
		id:        uuid.NewString(),
		addresses: addresses,
		http:      &http.Client{},
	}
}

// NewPinnedChatClient returns a client that only talks to the given server.
func NewPinnedChatClient(address string) *ChatClient {
	return NewChatClient([]string{address})
}

func (c *ChatClient) Id() string {
	return c.id
}

func (c *ChatClient) Join(user string, room string) error {
	_, err := Post[api.SuccessResponse](c, "join", api.JoinRequest{
		ClientId:  c.id,
		User:      user,
		Room:      room,
		Timestamp: now(),
	})
	return err
}

func (c *ChatClient) Leave(user string, room string) error {
	_, err := Post[api.SuccessResponse](c, "leave", api.LeaveRequest{
		ClientId:  c.id,
		User:      user,
		Room:      room,
		Timestamp: now(),
	})
	return err
}

func (c *ChatClient) Send(user string, room string, text string) (string, error) {
	res, err := Post[api.MessageResponse](c, "message", api.MessageRequest{
		ClientId:  c.id,
		User:      user,
		Room:      room,
		Text:      text,
		Timestamp: now(),
	})
	if err != nil {
		return "", err
	}
	return res.Id, nil
}

func (c *ChatClient) Like(user string, room string, messageId string) error {
	_, err := Post[api.SuccessResponse](c, "like", api.LikeRequest{
		ClientId:  c.id,
		User:      user,
		Room:      room,
		MessageId: messageId,
		Timestamp: now(),
	})
	return err
}

func (c *ChatClient) Unlike(user string, room string, messageId string) error {
	_, err := Post[api.SuccessResponse](c, "unlike", api.LikeRequest{
		ClientId:  c.id,
		User:      user,
		Room:      room,
		MessageId: messageId,
		Timestamp: now(),
	})
	return err
}

func (c *ChatClient) Messages(user string, room string, count int) ([]api.Message, error) {
	res, err := Post[api.MessagesResponse](c, "messages", api.MessagesRequest{
		ClientId: c.id,
		User:     user,
		Room:     room,
		Count:    count,
	})
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func (c *ChatClient) Rooms() ([]string, error) {
	res, err := Get[api.RoomsResponse](c, "rooms")
	if err != nil {
		return nil, err
	}
	return res.Rooms, nil
}

func (c *ChatClient) Chatters(room string) ([]string, error) {
	res, err := Get[api.ChattersResponse](c, "rooms/"+url.PathEscape(room)+"/chatters")
	if err != nil {
		return nil, err
	}
	return res.Chatters, nil
}

func (c *ChatClient) Reachable() ([]bool, error) {
	res, err := Get[api.ReachableResponse](c, "reachable")
	if err != nil {
		return nil, err
	}
	return res.Reachable, nil
}

func (c *ChatClient) Status() (api.StatusResponse, error) {
	return Get[api.StatusResponse](c, "status")
}

func (c *ChatClient) baseUrl() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return "http://" + c.addresses[c.current] + "/"
}

func (c *ChatClient) rotate(from string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	// Another request may have rotated already.
	if "http://"+c.addresses[c.current]+"/" == from {
		c.current = (c.current + 1) % len(c.addresses)
	}
}

func Post[T any](c *ChatClient, path string, body any) (T, error) {
	bodyJson, err := json.Marshal(body)
	if err != nil {
		return *new(T), err
	}
	return do[T](c, http.MethodPost, path, bodyJson)
}

func Get[T any](c *ChatClient, path string) (T, error) {
	return do[T](c, http.MethodGet, path, nil)
}

// do retries on connection failures and on 503 replies, moving to the next server each time. Other
// failures are returned as is.
func do[T any](c *ChatClient, method string, path string, body []byte) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var result T
	attempt := func() error {
		base := c.baseUrl()
		u, err := url.JoinPath(base, path)
		if err != nil {
			return backoff.Permanent(err)
		}

		request, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		request.Header.Set("Content-Type", "application/json")

		res, err := c.http.Do(request)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.rotate(base)
			return err
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			var errRes api.ErrorResponse
			_ = json.NewDecoder(res.Body).Decode(&errRes)
			rerr := &ResponseError{Status: res.StatusCode, Response: errRes}
			if res.StatusCode == http.StatusServiceUnavailable {
				c.rotate(base)
				return rerr
			}
			return backoff.Permanent(rerr)
		}

		if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries)
	if err := backoff.Retry(attempt, policy); err != nil {
		return *new(T), err
	}
	return result, nil
}

func now() time.Time {
	return time.Now().UTC()
}
