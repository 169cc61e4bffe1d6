// Package judge is the gRPC client for the external scoring, embedding and
// completion collaborator. Payloads are google.protobuf.Struct values so the
// service needs no generated stubs on this side.
package judge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	methodScore    = "/evoloop.Collaborator/Score"
	methodEmbed    = "/evoloop.Collaborator/Embed"
	methodComplete = "/evoloop.Collaborator/Complete"
)

// ErrMalformedResponse is returned when a reply lacks the expected fields.
var ErrMalformedResponse = errors.New("malformed collaborator response")

// #region types
// Params tune a completion call.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Config describes how to reach the collaborator.
type Config struct {
	Addr       string
	Timeout    time.Duration
	RatePerSec float64 // 0 disables limiting
	Params     Params
}

// #endregion types

// #region client-struct
// Client implements eval.Judge, bandit.Embedder and the completion contract.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
	limiter *rate.Limiter
	params  Params
}

// #endregion client-struct

// #region constructor
// NewClient connects to the collaborator at cfg.Addr.
func NewClient(cfg Config) (*Client, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", cfg.Addr, err)
	}
	c := NewClientWithConn(conn, cfg)
	c.closer = conn.Close
	return c, nil
}

// NewClientWithConn wraps an existing connection. Used by tests with a fake
// connection.
func NewClientWithConn(conn grpc.ClientConnInterface, cfg Config) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Client{
		conn:    conn,
		timeout: cfg.Timeout,
		limiter: limiter,
		params:  cfg.Params,
	}
}

// Close shuts down the connection if the client owns one.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// #endregion constructor

// #region score
// Score asks the collaborator for rubric dimension scores.
func (c *Client) Score(ctx context.Context, goal, text string) (map[string]float64, error) {
	resp, err := c.invoke(ctx, methodScore, map[string]any{
		"goal":        goal,
		"text":        text,
		"temperature": c.params.Temperature,
		"max_tokens":  c.params.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("score rpc: %w", err)
	}
	field, ok := resp.GetFields()["scores"]
	if !ok || field.GetStructValue() == nil {
		return nil, fmt.Errorf("score rpc: %w: no scores", ErrMalformedResponse)
	}
	scores := make(map[string]float64)
	for k, v := range field.GetStructValue().GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("score rpc: %w: %s is not a number", ErrMalformedResponse, k)
		}
		scores[k] = n.NumberValue
	}
	return scores, nil
}

// #endregion score

// #region embed
// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.invoke(ctx, methodEmbed, map[string]any{"text": text})
	if err != nil {
		return nil, fmt.Errorf("embed rpc: %w", err)
	}
	list := resp.GetFields()["embedding"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, fmt.Errorf("embed rpc: %w: no embedding", ErrMalformedResponse)
	}
	out := make([]float64, len(list.GetValues()))
	for i, v := range list.GetValues() {
		out[i] = v.GetNumberValue()
	}
	return out, nil
}

// #endregion embed

// #region complete
// Complete runs a text completion. Zero-valued params take the client
// defaults.
func (c *Client) Complete(ctx context.Context, prompt string, p Params) (string, error) {
	if p.MaxTokens == 0 {
		p.MaxTokens = c.params.MaxTokens
	}
	if p.Temperature == 0 {
		p.Temperature = c.params.Temperature
	}
	resp, err := c.invoke(ctx, methodComplete, map[string]any{
		"prompt":      prompt,
		"temperature": p.Temperature,
		"max_tokens":  p.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("complete rpc: %w", err)
	}
	v, ok := resp.GetFields()["text"]
	if !ok {
		return "", fmt.Errorf("complete rpc: %w: no text", ErrMalformedResponse)
	}
	return v.GetStringValue(), nil
}

// #endregion complete

// #region invoke
func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion invoke
