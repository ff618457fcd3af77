package ai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
)

const maxStreamLine = 2 * 1024 * 1024

var dataPrefix = []byte("data:")

// streamDecoder reassembles network chunks into "data:" lines and turns
// them into events. It is not safe for concurrent use.
type streamDecoder struct {
	log     zerolog.Logger
	pending []byte

	usage     *Usage
	usageSent bool
	stopped   bool
}

func newStreamDecoder(log zerolog.Logger) *streamDecoder {
	return &streamDecoder{log: log}
}

// feed returns the complete lines found so far; a trailing partial line
// stays buffered.
func (d *streamDecoder) feed(chunk []byte) ([][]byte, error) {
	d.pending = append(d.pending, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, bytes.Clone(d.pending[:i]))
		d.pending = d.pending[i+1:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	if len(d.pending) > maxStreamLine {
		return lines, fmt.Errorf("stream line exceeds %d bytes", maxStreamLine)
	}
	return lines, nil
}

// rest drains whatever followed the last newline.
func (d *streamDecoder) rest() []byte {
	r := d.pending
	d.pending = nil
	return r
}

func (d *streamDecoder) decode(line []byte) []StreamEvent {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if len(data) == 0 {
		return nil
	}
	if string(data) == "[DONE]" {
		return append(d.flushUsage(), StreamEvent{Type: EventDone})
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		d.log.Warn().Err(err).Int("len", len(data)).Msg("skipping malformed stream line")
		return nil
	}

	switch chunk.Type {
	case "content_block_delta":
		if chunk.Delta != nil && chunk.Delta.Text != "" {
			return []StreamEvent{{Type: EventContent, Content: chunk.Delta.Text}}
		}
	case "message_start", "message_delta":
		d.mergeUsage(chunk.Usage)
	case "message_stop":
		d.mergeUsage(chunk.Usage)
		d.stopped = true
		return d.flushUsage()
	case "error":
		pe := &ProviderError{Code: "ModelStreamErrorException"}
		if chunk.Error != nil {
			pe.Code = firstNonEmpty(chunk.Error.Type, pe.Code)
			pe.Message = chunk.Error.Message
		}
		return []StreamEvent{{Type: EventError, Err: TranslateError(pe)}}
	}
	return nil
}

// finish is called at EOF when no terminal event was seen.
func (d *streamDecoder) finish() []StreamEvent {
	if d.stopped {
		return append(d.flushUsage(), StreamEvent{Type: EventDone})
	}
	return []StreamEvent{{Type: EventError, Err: apperr.Model("model stream ended before completion")}}
}

func (d *streamDecoder) mergeUsage(u *usageBlock) {
	if u == nil {
		return
	}
	if d.usage == nil {
		d.usage = &Usage{}
	}
	if u.InputTokens > 0 {
		d.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		d.usage.OutputTokens = u.OutputTokens
	}
}

func (d *streamDecoder) flushUsage() []StreamEvent {
	if d.usage == nil || d.usageSent {
		return nil
	}
	d.usageSent = true
	u := *d.usage
	return []StreamEvent{{Type: EventUsage, Usage: &u}}
}
