package anthropic

import (
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentexec/runtime/agent/model"
)

// streamer adapts an SDK event stream to model.Streamer. Events that carry
// nothing the loop uses are skipped.
type streamer struct {
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
	stopReason model.StopReason
	done       bool
}

func newStreamer(s *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	return &streamer{stream: s}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for !s.done {
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, providerError(err)
			}
			break
		}
		if chunk, ok := s.translate(s.stream.Current()); ok {
			return chunk, nil
		}
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) translate(event sdk.MessageStreamEventUnion) (model.Chunk, bool) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				return model.Chunk{Type: model.ChunkText, Text: delta.Text}, true
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				return model.Chunk{Type: model.ChunkThinking, Text: delta.Thinking}, true
			}
		}
	case sdk.MessageDeltaEvent:
		s.stopReason = stopReason(string(ev.Delta.StopReason))
		return model.Chunk{Type: model.ChunkUsage, Usage: &model.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		}}, true
	case sdk.MessageStopEvent:
		return model.Chunk{Type: model.ChunkStop, StopReason: s.stopReason}, true
	}
	return model.Chunk{}, false
}

func stopReason(r string) model.StopReason {
	switch r {
	case "end_turn", "":
		return model.StopEndTurn
	case "max_tokens":
		return model.StopMaxTokens
	case "stop_sequence":
		return model.StopSequence
	case "refusal":
		return model.StopRefusal
	default:
		return model.StopOther
	}
}
