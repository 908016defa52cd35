package bedrock

import (
	"io"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/agentexec/runtime/agent/model"
)

type (
	// eventSource is satisfied by *bedrockruntime.ConverseStreamEventStream.
	eventSource interface {
		Events() <-chan brtypes.ConverseStreamOutput
		Err() error
		Close() error
	}

	streamer struct {
		src    eventSource
		events <-chan brtypes.ConverseStreamOutput
		stop   model.StopReason
	}
)

func newStreamer(src eventSource) *streamer {
	return &streamer{src: src, events: src.Events()}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for ev := range s.events {
		if chunk, ok := s.translate(ev); ok {
			return chunk, nil
		}
	}
	if err := s.src.Err(); err != nil {
		return model.Chunk{}, wrapError("converse_stream", err)
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	return s.src.Close()
}

func (s *streamer) translate(event brtypes.ConverseStreamOutput) (model.Chunk, bool) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value != "" {
				return model.Chunk{Type: model.ChunkText, Text: delta.Value}, true
			}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
				return model.Chunk{Type: model.ChunkThinking, Text: text.Value}, true
			}
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.stop = stopReason(ev.Value.StopReason)
		return model.Chunk{Type: model.ChunkStop, StopReason: s.stop}, true
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			usage := &model.TokenUsage{}
			if u.InputTokens != nil {
				usage.InputTokens = int(*u.InputTokens)
			}
			if u.OutputTokens != nil {
				usage.OutputTokens = int(*u.OutputTokens)
			}
			return model.Chunk{Type: model.ChunkUsage, Usage: usage}, true
		}
	}
	return model.Chunk{}, false
}

func stopReason(r brtypes.StopReason) model.StopReason {
	switch r {
	case brtypes.StopReasonEndTurn, "":
		return model.StopEndTurn
	case brtypes.StopReasonMaxTokens:
		return model.StopMaxTokens
	case brtypes.StopReasonStopSequence:
		return model.StopSequence
	case brtypes.StopReasonGuardrailIntervened, brtypes.StopReasonContentFiltered:
		return model.StopRefusal
	default:
		return model.StopOther
	}
}
