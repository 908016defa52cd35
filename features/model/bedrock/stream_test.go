package bedrock

import (
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/model"
)

type fakeEvents struct {
	ch     chan brtypes.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeEvents(err error, evs ...brtypes.ConverseStreamOutput) *fakeEvents {
	ch := make(chan brtypes.ConverseStreamOutput, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return &fakeEvents{ch: ch, err: err}
}

func (f *fakeEvents) Events() <-chan brtypes.ConverseStreamOutput { return f.ch }
func (f *fakeEvents) Err() error                                  { return f.err }
func (f *fakeEvents) Close() error                                { f.closed = true; return nil }

func TestStreamerTranslatesEvents(t *testing.T) {
	src := newFakeEvents(nil,
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberText{Value: "plan"},
			},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "<answer>7</answer>"},
		}},
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonEndTurn}},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(4)},
		}},
	)
	s := newStreamer(src)

	var chunks []model.Chunk
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, ch)
	}
	require.Equal(t, []model.Chunk{
		{Type: model.ChunkThinking, Text: "plan"},
		{Type: model.ChunkText, Text: "<answer>7</answer>"},
		{Type: model.ChunkStop, StopReason: model.StopEndTurn},
		{Type: model.ChunkUsage, Usage: &model.TokenUsage{InputTokens: 10, OutputTokens: 4}},
	}, chunks)
	require.NoError(t, s.Close())
	require.True(t, src.closed)
}

func TestStreamerSurfacesStreamErrors(t *testing.T) {
	s := newStreamer(newFakeEvents(errors.New("stream reset")))
	_, err := s.Recv()
	require.ErrorContains(t, err, "stream reset")
	_, ok := model.AsProviderError(err)
	require.True(t, ok)
}

func TestStopReasonMapping(t *testing.T) {
	require.Equal(t, model.StopMaxTokens, stopReason(brtypes.StopReasonMaxTokens))
	require.Equal(t, model.StopRefusal, stopReason(brtypes.StopReasonContentFiltered))
	require.Equal(t, model.StopOther, stopReason(brtypes.StopReasonToolUse))
}
