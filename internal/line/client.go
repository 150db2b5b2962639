package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// Profile is the public profile of a LINE user.
type Profile struct {
	UserID        string
	DisplayName   string
	PictureURL    string
	StatusMessage string
}

// Messenger sends messages through one LINE channel.
type Messenger interface {
	// Reply answers a webhook event using its single-use reply token.
	Reply(ctx context.Context, replyToken string, messages ...Message) error

	// Push sends messages to a user outside of a reply context.
	Push(ctx context.Context, to string, messages ...Message) error

	// GetProfile fetches the public profile of a user.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// ClientOptions configures an SDK-backed Messenger.
type ClientOptions struct {
	Timeout    time.Duration
	MaxRetries uint
	RetryDelay time.Duration
}

// StatusError is returned when the LINE API answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("line %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

type sdkClient struct {
	api  *messaging_api.MessagingApiAPI
	log  *slog.Logger
	opts ClientOptions
}

// NewClient creates a Messenger for the channel identified by token.
func NewClient(token string, opts ClientOptions, log *slog.Logger) (Messenger, error) {
	if token == "" {
		return nil, errors.New("channel access token is required")
	}
	if log == nil {
		log = slog.Default()
	}

	api, err := messaging_api.NewMessagingApiAPI(token,
		messaging_api.WithHTTPClient(&http.Client{Timeout: opts.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging api client: %w", err)
	}

	return &sdkClient{api: api, log: log, opts: opts}, nil
}

func (c *sdkClient) Reply(ctx context.Context, replyToken string, messages ...Message) error {
	if replyToken == "" {
		return errors.New("reply token is required")
	}
	req := &messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   toSDKMessages(messages),
	}
	return c.do(ctx, "reply", func() (*http.Response, error) {
		resp, _, err := c.api.WithContext(ctx).ReplyMessageWithHttpInfo(req)
		return resp, err
	})
}

func (c *sdkClient) Push(ctx context.Context, to string, messages ...Message) error {
	if to == "" {
		return errors.New("push recipient is required")
	}
	req := &messaging_api.PushMessageRequest{
		To:       to,
		Messages: toSDKMessages(messages),
	}
	// One key across attempts lets the platform drop duplicates of a push
	// that was accepted before a transport failure.
	retryKey := uuid.NewString()
	return c.do(ctx, "push", func() (*http.Response, error) {
		resp, _, err := c.api.WithContext(ctx).PushMessageWithHttpInfo(req, retryKey)
		return resp, err
	})
}

func (c *sdkClient) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var profile *messaging_api.UserProfileResponse
	err := c.do(ctx, "get_profile", func() (*http.Response, error) {
		resp, p, err := c.api.WithContext(ctx).GetProfileWithHttpInfo(userID)
		profile = p
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("line get_profile returned no profile for %s", userID)
	}
	return &Profile{
		UserID:        userID,
		DisplayName:   profile.DisplayName,
		PictureURL:    profile.PictureUrl,
		StatusMessage: profile.StatusMessage,
	}, nil
}

// do runs call with bounded retries. Transport failures, 5xx and 429 are
// retried; other statuses fail immediately.
func (c *sdkClient) do(ctx context.Context, op string, call func() (*http.Response, error)) error {
	return retry.Do(
		func() error {
			resp, err := call()
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				return nil
			}
			if resp == nil {
				return fmt.Errorf("line %s request failed: %w", op, err)
			}
			statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Err: err}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return statusErr
			}
			return retry.Unrecoverable(statusErr)
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.MaxRetries+1),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.WarnContext(ctx, "Retrying LINE API call", "operation", op, "attempt", n+1, "error", err)
		}),
	)
}
