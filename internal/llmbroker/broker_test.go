package llmbroker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	responses []Response
	calls     int
}

func (f *fakeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk, 1)
	ch <- Chunk{Kind: ChunkEnd}
	close(ch)
	return ch, nil
}

type fakeTool struct {
	calls int
}

func (t *fakeTool) Name() string { return "web_search" }
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	t.calls++
	return "search result", nil
}

func TestCompleteNoToolCalls(t *testing.T) {
	prov := &fakeProvider{responses: []Response{{Message: Message{Role: RoleAssistant, Content: "hi"}}}}
	b := NewBroker(zerolog.Nop())
	b.RegisterProvider("test", prov)

	resp, err := b.Complete(context.Background(), Request{Provider: "test", Messages: []Message{{Role: RoleUser, Content: "hello"}}})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Message.Content)
	require.Equal(t, 1, prov.calls)
}

func TestCompleteRunsToolLoopThenReturns(t *testing.T) {
	tool := &fakeTool{}
	prov := &fakeProvider{responses: []Response{
		{Message: Message{Role: RoleAssistant}, ToolCalls: []ToolCall{{ID: "1", Name: "web_search", Arguments: map[string]interface{}{"query": "weather"}}}},
		{Message: Message{Role: RoleAssistant, Content: "the weather is sunny"}},
	}}
	b := NewBroker(zerolog.Nop())
	b.RegisterProvider("test", prov)
	b.RegisterTool(tool)

	resp, err := b.Complete(context.Background(), Request{
		Provider: "test", AutoExecute: true, ToolChoice: ToolChoiceAuto,
		Messages: []Message{{Role: RoleUser, Content: "what's the weather"}},
	})
	require.NoError(t, err)
	require.Equal(t, "the weather is sunny", resp.Message.Content)
	require.Equal(t, 1, tool.calls)
	require.Equal(t, 2, prov.calls)
}

func TestExecuteToolCachesByNormalizedQuery(t *testing.T) {
	tool := &fakeTool{}
	b := NewBroker(zerolog.Nop())
	b.RegisterTool(tool)

	_, err := b.executeTool(context.Background(), ToolCall{Name: "web_search", Arguments: map[string]interface{}{"query": "go concurrency"}})
	require.NoError(t, err)
	_, err = b.executeTool(context.Background(), ToolCall{Name: "web_search", Arguments: map[string]interface{}{"query": "go concurrency"}})
	require.NoError(t, err)

	require.Equal(t, 1, tool.calls, "second call with the same normalized query must hit the cache")
}

func TestExecuteToolUnknownTool(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	_, err := b.executeTool(context.Background(), ToolCall{Name: "does_not_exist"})
	require.ErrorIs(t, err, ErrUnknownTool)
}
