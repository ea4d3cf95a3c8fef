// Package llmbroker implements the LLMBroker (§4.4): a provider-agnostic
// adapter with streaming, a bounded tool-call loop, and circuit-breaker
// protection. A failed provider call is returned to the caller as is;
// the broker does not retry it. Request/response shapes and the
// queue-timeout/provider-timeout error taxonomy are adapted from the
// llmcmd broker; circuit breaking is adapted from the teacher's
// internal/circuitbreaker.
package llmbroker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ocx/backend/internal/circuitbreaker"
	"github.com/ocx/backend/internal/errs"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role
	Content    string
	ToolCallID string
}

type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "AUTO"
	ToolChoiceNone     ToolChoice = "NONE"
	ToolChoiceRequired ToolChoice = "REQUIRED"
)

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Request is one logical completion/stream request (§4.4).
type Request struct {
	Provider      string
	Model         string
	Messages      []Message
	SystemPrompt  string
	Tools         []string
	ToolChoice    ToolChoice
	Temperature   float64
	MaxTokens     int
	AllowBrowsing bool
	AutoExecute   bool
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type Response struct {
	Message Message
	Usage   Usage
	ToolCalls []ToolCall
}

type ChunkKind string

const (
	ChunkContent  ChunkKind = "CHUNK"
	ChunkToolCall ChunkKind = "TOOL_CALL"
	ChunkEnd      ChunkKind = "END"
)

type Chunk struct {
	Kind    ChunkKind
	Delta   string
	Call    *ToolCall
	Usage   *Usage
}

// Provider is the collaborator a concrete backend (OpenAI, Anthropic,
// a self-hosted model, ...) implements.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Tool is a callable registered in the Tool Registry.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

var (
	ErrQueueTimeout    = errs.New(errs.KindTransient, "queue_timeout", "broker queue wait exceeded max")
	ErrProviderTimeout = errs.New(errs.KindTransient, "provider_timeout", "provider call timed out")
	ErrToolRateLimited = errs.New(errs.KindPolicy, "tool_rate_limited", "tool call rate limit exceeded")
	ErrUnknownTool     = errs.New(errs.KindValidation, "unknown_tool", "requested tool is not registered")
	ErrToolDepthExceeded = errs.New(errs.KindValidation, "tool_depth_exceeded", "tool-call loop exceeded max depth")
)

const (
	defaultRequestTimeout = 120 * time.Second
	defaultToolTimeout    = 30 * time.Second
	defaultToolDepth      = 3
	toolCacheTTL          = time.Hour
	toolBucketCapacity    = 10
	toolBucketRefillPerS  = 1
)

type cachedResult struct {
	value   string
	expires time.Time
}

// Broker dispatches to a set of per-provider Providers, wrapped in a
// circuit breaker each, with a shared rate-limited Tool Registry.
type Broker struct {
	providers map[string]Provider
	breakers  *circuitbreaker.Manager
	tools     map[string]Tool
	log       zerolog.Logger

	requestTimeout time.Duration
	toolTimeout    time.Duration
	toolDepth      int

	toolLimiters map[string]*rate.Limiter
	toolCache    map[string]cachedResult
}

func NewBroker(log zerolog.Logger) *Broker {
	return &Broker{
		providers:      map[string]Provider{},
		breakers:       circuitbreaker.NewManager(circuitbreaker.DefaultConfig("llmbroker")),
		tools:          map[string]Tool{},
		log:            log.With().Str("component", "llmbroker").Logger(),
		requestTimeout: defaultRequestTimeout,
		toolTimeout:    defaultToolTimeout,
		toolDepth:      defaultToolDepth,
		toolLimiters:   map[string]*rate.Limiter{},
		toolCache:      map[string]cachedResult{},
	}
}

func (b *Broker) RegisterProvider(name string, p Provider) { b.providers[name] = p }

func (b *Broker) RegisterTool(t Tool) {
	b.tools[t.Name()] = t
	b.toolLimiters[t.Name()] = rate.NewLimiter(rate.Limit(toolBucketRefillPerS), toolBucketCapacity)
}

func (b *Broker) breakerFor(provider string) *circuitbreaker.CircuitBreaker {
	return b.breakers.GetOrCreate(provider, circuitbreaker.DefaultConfig(provider))
}

// Complete issues a non-streaming request, wrapped in a timeout and the
// provider's circuit breaker, then runs the bounded tool-call loop if
// applicable.
func (b *Broker) Complete(ctx context.Context, req Request) (Response, error) {
	provider, ok := b.providers[req.Provider]
	if !ok {
		return Response{}, errs.New(errs.KindValidation, "unknown_provider", "no provider registered for "+req.Provider)
	}

	resp, err := b.callWithBreaker(ctx, req.Provider, provider, req)
	if err != nil {
		return Response{}, err
	}

	if req.ToolChoice == ToolChoiceNone || len(resp.ToolCalls) == 0 || !req.AutoExecute {
		return resp, nil
	}
	return b.runToolLoop(ctx, provider, req, resp, 0)
}

func (b *Broker) callWithBreaker(ctx context.Context, providerName string, p Provider, req Request) (Response, error) {
	breaker := b.breakerFor(providerName)
	callCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	result, err := breaker.ExecuteContext(callCtx, func(ctx context.Context) (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return Response{}, errs.Wrap(errs.KindTransient, "provider_circuit_open", "provider circuit breaker is open", err)
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Response{}, ErrProviderTimeout
		}
		return Response{}, errs.Wrap(errs.KindTransient, "provider_call_failed", "provider call failed", err)
	}
	return result.(Response), nil
}

// runToolLoop executes tool calls up to the bounded depth, feeding
// results back into the conversation, and re-issuing the request (§4.4).
func (b *Broker) runToolLoop(ctx context.Context, p Provider, req Request, resp Response, depth int) (Response, error) {
	if depth >= b.toolDepth {
		return Response{}, ErrToolDepthExceeded
	}

	messages := append(append([]Message{}, req.Messages...), resp.Message)
	for _, call := range resp.ToolCalls {
		result, err := b.executeTool(ctx, call)
		if err != nil {
			result = "error: " + err.Error()
		}
		messages = append(messages, Message{Role: RoleTool, Content: result, ToolCallID: call.ID})
	}

	nextReq := req
	nextReq.Messages = messages

	nextResp, err := b.callWithBreaker(ctx, req.Provider, p, nextReq)
	if err != nil {
		return Response{}, err
	}
	if len(nextResp.ToolCalls) == 0 || !req.AutoExecute {
		return nextResp, nil
	}
	return b.runToolLoop(ctx, p, req, nextResp, depth+1)
}

func (b *Broker) executeTool(ctx context.Context, call ToolCall) (string, error) {
	tool, ok := b.tools[call.Name]
	if !ok {
		return "", ErrUnknownTool
	}

	cacheKey := call.Name + ":" + normalizeArgs(call.Arguments)
	if cached, ok := b.toolCache[cacheKey]; ok && time.Now().Before(cached.expires) {
		return cached.value, nil
	}

	limiter := b.toolLimiters[call.Name]
	if limiter != nil && !limiter.Allow() {
		return "", ErrToolRateLimited
	}

	callCtx, cancel := context.WithTimeout(ctx, b.toolTimeout)
	defer cancel()
	result, err := tool.Execute(callCtx, call.Arguments)
	if err != nil {
		return "", errs.Wrap(errs.KindTransient, "tool_execution_failed", "tool execution failed", err)
	}

	b.toolCache[cacheKey] = cachedResult{value: result, expires: time.Now().Add(toolCacheTTL)}
	return result, nil
}

func normalizeArgs(args map[string]interface{}) string {
	if q, ok := args["query"].(string); ok {
		return q
	}
	out := ""
	for k, v := range args {
		out += k + "=" + toString(v) + ";"
	}
	return out
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}

// Stream issues a streaming request. The returned channel is not
// restartable and must be consumed exactly once; cancelling ctx
// releases the underlying transport (§4.4).
func (b *Broker) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	provider, ok := b.providers[req.Provider]
	if !ok {
		return nil, errs.New(errs.KindValidation, "unknown_provider", "no provider registered for "+req.Provider)
	}
	breaker := b.breakerFor(req.Provider)
	if err := breaker.Allow(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "provider_circuit_open", "provider circuit breaker is open", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	raw, err := provider.Stream(callCtx, req)
	if err != nil {
		cancel()
		return nil, errs.Wrap(errs.KindTransient, "provider_stream_failed", "could not start stream", err)
	}

	out := make(chan Chunk)
	go func() {
		defer cancel()
		defer close(out)
		success := true
		for chunk := range raw {
			select {
			case out <- chunk:
			case <-ctx.Done():
				success = false
				return
			}
			if chunk.Kind == ChunkEnd {
				break
			}
		}
		breaker.ExecuteContext(context.Background(), func(context.Context) (interface{}, error) {
			if !success {
				return nil, context.Canceled
			}
			return nil, nil
		})
	}()
	return out, nil
}
