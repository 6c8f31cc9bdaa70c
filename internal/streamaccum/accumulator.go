// Package streamaccum implements the stream accumulator (M2): it folds
// provider-specific streaming chunks into a growing ParsedResponse, emits a
// throttled partial snapshot to the UI, and produces a final response on
// finalize.
package streamaccum

import (
	"encoding/json"
	"time"

	"github.com/follgate/tollbooth/internal/parsers"
)

const partialEmitInterval = 100 * time.Millisecond

type block struct {
	typ        parsers.ContentBlockType
	text       string
	jsonBuf    string
	signature  string
	toolName   string
	toolUseID  string
}

// Accumulator is the per-flow StreamAccumulator (§3): created on the first
// chunk of a flow, destroyed on Finalize.
type Accumulator struct {
	FlowID string
	Host   string
	Path   string

	parser parsers.Parser

	blocks     map[int]*block
	order      []int
	model      string
	stopReason string
	usage      *parsers.Usage

	chunks    int
	rawChunks [][]byte // discarded on Finalize to bound memory

	splitter SSESplitter

	lastEmit time.Time
	onEmit   func(Snapshot)
}

// Snapshot is the throttled partial view pushed to the UI as a
// `stream_update` event.
type Snapshot struct {
	FlowID  string
	Content []parsers.ContentBlock
}

// New creates an accumulator for one flow. onEmit may be nil if no partial
// broadcasting is needed (e.g. in tests).
func New(flowID, host, path string, parser parsers.Parser, onEmit func(Snapshot)) *Accumulator {
	return &Accumulator{
		FlowID: flowID,
		Host:   host,
		Path:   path,
		parser: parser,
		blocks: make(map[int]*block),
		onEmit: onEmit,
	}
}

// Feed ingests one raw `stream_chunk` byte slice, splits it into SSE events,
// and folds each into the accumulator's state, emitting a throttled partial
// snapshot at most once per partialEmitInterval.
func (a *Accumulator) Feed(raw []byte, now time.Time) {
	a.rawChunks = append(a.rawChunks, raw)
	events := a.splitter.Push(raw)
	for _, evt := range events {
		a.chunks++
		partial, ok := a.parser.ParseStreamChunk(evt.Event, []byte(evt.Data))
		if !ok {
			continue
		}
		a.applyPartial(partial)
	}
	if len(events) > 0 && now.Sub(a.lastEmit) >= partialEmitInterval {
		a.emit(now)
	}
}

func (a *Accumulator) applyPartial(p *parsers.PartialResponse) {
	switch p.Kind {
	case parsers.PartialStart:
		idx := p.Index
		b, ok := a.blocks[idx]
		if !ok {
			b = &block{}
			a.blocks[idx] = b
			a.order = append(a.order, idx)
		}
		b.typ = p.BlockType
		if p.ToolName != "" {
			b.toolName = p.ToolName
		}
		if p.ToolUseID != "" {
			b.toolUseID = p.ToolUseID
		}
		if p.JSONDelta != "" {
			// OpenAI packs the first arguments fragment into the same
			// chunk that introduces the tool call's id/name.
			b.jsonBuf += p.JSONDelta
		}

	case parsers.PartialDelta:
		b, ok := a.blocks[p.Index]
		if !ok {
			b = &block{typ: parsers.BlockText}
			a.blocks[p.Index] = b
			a.order = append(a.order, p.Index)
		}
		switch {
		case p.JSONDelta != "":
			b.typ = parsers.BlockToolUse
			if p.ToolName != "" {
				b.toolName = p.ToolName
			}
			if p.ToolUseID != "" {
				b.toolUseID = p.ToolUseID
			}
			if p.Replace {
				b.jsonBuf = p.JSONDelta
			} else {
				b.jsonBuf += p.JSONDelta
			}
		case p.Signature != "":
			b.typ = parsers.BlockThinking
			b.signature += p.Signature
		default:
			if p.Replace {
				b.text = p.TextDelta
			} else {
				b.text += p.TextDelta
			}
		}

	case parsers.PartialStop, parsers.PartialMessageStop:
		if p.StopReason != "" {
			a.stopReason = p.StopReason
		}
		if p.Model != "" {
			a.model = p.Model
		}
		if p.Usage != nil {
			a.usage = p.Usage
		}
	}
}

func (a *Accumulator) emit(now time.Time) {
	a.lastEmit = now
	if a.onEmit == nil {
		return
	}
	a.onEmit(Snapshot{FlowID: a.FlowID, Content: a.contentBlocks()})
}

func (a *Accumulator) contentBlocks() []parsers.ContentBlock {
	out := make([]parsers.ContentBlock, 0, len(a.order))
	for _, idx := range a.order {
		b := a.blocks[idx]
		cb := parsers.ContentBlock{Type: b.typ}
		switch b.typ {
		case parsers.BlockToolUse:
			cb.ToolName = b.toolName
			cb.ToolUseID = b.toolUseID
			// Anthropic tool-use JSON is accumulated as a string across
			// deltas and parsed only when complete; partial/invalid JSON
			// is discarded silently (§4.5).
			if b.jsonBuf != "" {
				var args map[string]any
				if json.Unmarshal([]byte(b.jsonBuf), &args) == nil {
					cb.ToolInput = args
				}
			}
		case parsers.BlockThinking:
			cb.Thinking = b.text
			cb.Signature = b.signature
		default:
			cb.Text = b.text
		}
		out = append(out, cb)
	}
	return out
}

// Finalize produces the final ParsedResponse, performs the unconditional
// final emit, and discards buffered raw chunks to bound memory.
func (a *Accumulator) Finalize(now time.Time) *parsers.ParsedResponse {
	a.emit(now)
	resp := &parsers.ParsedResponse{
		Provider:   a.parser.Provider(),
		Content:    a.contentBlocks(),
		Model:      a.model,
		StopReason: a.stopReason,
		Usage:      a.usage,
	}
	raw, _ := json.Marshal(map[string]any{"streaming": true, "chunks": a.chunks})
	resp.Raw = raw
	a.rawChunks = nil
	return resp
}
