// Package upstream wraps the language-model provider behind a small
// interface with retry, client-side pacing, and a circuit breaker.
//
// Failure policy (most specific first):
//   - client abort (context canceled): returned as-is, never retried;
//   - non-retryable provider errors (4xx other than 429): returned as-is so
//     the transport can emit an error event;
//   - retryable errors (429, 5xx, transport failures): retried with backoff
//     up to MaxRetries, then substituted (like an open breaker) with a
//     fixed "temporarily unavailable" reply so the user-visible stream
//     always terminates cleanly instead of hanging;
//   - once tokens have been forwarded, a failure is never retried or
//     substituted: the partial output already reached the client and the
//     caller must surface a mid-stream error instead.
package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/streamguard/go-chat-backend/internal/breaker"
)

// FallbackContent is the static reply served when the model is unreachable
// and the breaker or retry budget is exhausted.
const FallbackContent = "The assistant is temporarily unavailable. Please try again in a moment."

// Message is one turn of model input.
type Message struct {
	Role    string
	Content string
}

// Reply is the final result of a model call.
type Reply struct {
	Content    string
	Model      string
	TokensUsed int
	// Fallback marks a substituted unavailable-reply rather than genuine
	// model output.
	Fallback bool
}

// Completer is the contract the chat pipeline depends on. OnToken is
// invoked for every streamed fragment in arrival order; returning an error
// from it aborts the stream (used for client disconnects).
type Completer interface {
	Complete(ctx context.Context, msgs []Message) (Reply, error)
	Stream(ctx context.Context, msgs []Message, onToken func(token string) error) (Reply, error)
}

// Config tunes the provider client.
type Config struct {
	// APIKey authenticates against the provider.
	APIKey string
	// BaseURL overrides the provider endpoint (local gateways, tests).
	BaseURL string
	// Model is the model identifier sent with every request.
	Model string
	// MaxRetries bounds retryable-error retries per call. <= 0 defaults to 2.
	MaxRetries int
	// RequestsPerSecond paces outbound calls client-side so one hot tenant
	// cannot burn the provider quota. <= 0 defaults to 5.
	RequestsPerSecond float64
	// Temperature is the sampling temperature sent with every request.
	// Zero leaves the provider default in place.
	Temperature float64
	// Breaker guards the provider; required.
	Breaker *breaker.Breaker
}

// Client implements Completer on the OpenAI-compatible chat completion API.
type Client struct {
	api     *openai.Client
	model   string
	temp    float32
	brk     *breaker.Breaker
	pacer   *rate.Limiter
	retries int
	backoff time.Duration
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   cfg.Model,
		temp:    float32(cfg.Temperature),
		brk:     cfg.Breaker,
		pacer:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		retries: cfg.MaxRetries,
		backoff: 500 * time.Millisecond,
	}
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, msgs []Message) (Reply, error) {
	return breaker.DoWithFallback(ctx, c.brk,
		func(ctx context.Context) (Reply, error) {
			return c.completeOnce(ctx, msgs)
		},
		c.fallback,
	)
}

// completeOnce runs the bounded retry loop for a non-streaming call.
func (c *Client) completeOnce(ctx context.Context, msgs []Message) (Reply, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := c.wait(ctx, attempt); err != nil {
			return Reply{}, err
		}
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    toAPIMessages(msgs),
			Temperature: c.temp,
		})
		if err == nil {
			if len(resp.Choices) == 0 {
				return Reply{}, errors.New("upstream returned no choices")
			}
			return Reply{
				Content:    resp.Choices[0].Message.Content,
				Model:      resp.Model,
				TokensUsed: resp.Usage.TotalTokens,
			}, nil
		}
		lastErr = err
		if !Retryable(err) {
			return Reply{}, err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("upstream completion failed; retrying")
	}
	return Reply{}, lastErr
}

// Stream performs a streaming chat completion, forwarding each token to
// onToken as it arrives.
func (c *Client) Stream(ctx context.Context, msgs []Message, onToken func(string) error) (Reply, error) {
	return breaker.DoWithFallback(ctx, c.brk,
		func(ctx context.Context) (Reply, error) {
			return c.streamOnce(ctx, msgs, onToken)
		},
		func(ctx context.Context, cause error) (Reply, error) {
			// A failure after tokens were forwarded must surface mid-stream,
			// not be papered over with the fallback reply.
			if errors.Is(cause, errMidStream) || isAbort(cause) || !Retryable(cause) {
				return Reply{}, cause
			}
			return c.serveFallback(onToken)
		},
	)
}

// errMidStream wraps failures that occurred after output reached the client.
var errMidStream = errors.New("upstream failed mid-stream")

// streamOnce runs the bounded retry loop for a streaming call. Retries only
// happen while no token has been forwarded yet.
func (c *Client) streamOnce(ctx context.Context, msgs []Message, onToken func(string) error) (Reply, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := c.wait(ctx, attempt); err != nil {
			return Reply{}, err
		}

		reply, emitted, err := c.streamAttempt(ctx, msgs, onToken)
		if err == nil {
			return reply, nil
		}
		if emitted {
			return Reply{}, errors.Join(errMidStream, err)
		}
		lastErr = err
		if !Retryable(err) {
			return Reply{}, err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("upstream stream failed; retrying")
	}
	return Reply{}, lastErr
}

// streamAttempt opens one stream and drains it. emitted reports whether any
// token reached onToken before the error.
func (c *Client) streamAttempt(ctx context.Context, msgs []Message, onToken func(string) error) (reply Reply, emitted bool, err error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toAPIMessages(msgs),
		Temperature: c.temp,
		Stream:      true,
	})
	if err != nil {
		return Reply{}, false, err
	}
	defer stream.Close()

	var content []byte
	model := c.model
	for {
		resp, rerr := stream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return Reply{}, emitted, rerr
		}
		if resp.Model != "" {
			model = resp.Model
		}
		if len(resp.Choices) == 0 {
			continue
		}
		token := resp.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		if terr := onToken(token); terr != nil {
			// The consumer (client connection) went away; stop forwarding.
			return Reply{}, true, terr
		}
		emitted = true
		content = append(content, token...)
	}

	return Reply{
		Content:    string(content),
		Model:      model,
		TokensUsed: EstimateTokens(string(content)),
	}, false, nil
}

// fallback is the breaker fallback for non-streaming calls.
func (c *Client) fallback(_ context.Context, cause error) (Reply, error) {
	if isAbort(cause) || (!errors.Is(cause, breaker.ErrOpen) && !Retryable(cause)) {
		return Reply{}, cause
	}
	log.Warn().Err(cause).Msg("serving upstream fallback reply")
	return Reply{Content: FallbackContent, Model: "fallback", Fallback: true}, nil
}

// serveFallback pushes the static reply through the token callback so the
// consumer sees a normally-terminating stream.
func (c *Client) serveFallback(onToken func(string) error) (Reply, error) {
	log.Warn().Msg("serving upstream fallback stream")
	if err := onToken(FallbackContent); err != nil {
		return Reply{}, err
	}
	return Reply{Content: FallbackContent, Model: "fallback", Fallback: true}, nil
}

// wait applies pacing plus linear backoff between retry attempts.
func (c *Client) wait(ctx context.Context, attempt int) error {
	if attempt > 0 {
		select {
		case <-time.After(time.Duration(attempt) * c.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.pacer.Wait(ctx)
}

// Retryable classifies provider errors: rate limiting, server-side errors,
// and transport failures are worth retrying; other client errors are not.
func Retryable(err error) bool {
	if err == nil || isAbort(err) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// isAbort reports a caller-initiated cancellation.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// EstimateTokens approximates the token count of text. The 4-bytes-per-token
// heuristic matches what the history truncation budget uses, so estimates
// stay comparable across the pipeline.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// toAPIMessages converts pipeline messages to the provider schema.
func toAPIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
