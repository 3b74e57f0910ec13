// Package transcript turns streamed text deltas from both sides of a call
// into an ordered sequence of finalized transcript segments.
package transcript

import (
	"strings"
	"time"
)

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
	SpeakerSystem Speaker = "system"
)

// Segment is a finalized utterance.
type Segment struct {
	Seq     int       `json:"seq"`
	Ts      time.Time `json:"ts"`
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
}

// SegmentSink receives finalized segments in sequence order.
type SegmentSink interface {
	Segment(seg Segment)
}

// SinkFunc adapts a function to the SegmentSink interface.
type SinkFunc func(seg Segment)

func (f SinkFunc) Segment(seg Segment) { f(seg) }

// Normalize flattens a streamed transcript fragment into plain text.
// Providers deliver fragments as strings, arrays of parts, or objects with a
// text or value field; anything else contributes nothing.
func Normalize(fragment any) string {
	switch v := fragment.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, part := range v {
			b.WriteString(Normalize(part))
		}
		return b.String()
	case map[string]any:
		if text, ok := v["text"]; ok {
			return Normalize(text)
		}
		if value, ok := v["value"]; ok {
			return Normalize(value)
		}
		return ""
	default:
		return ""
	}
}

// Aggregator buffers deltas per speaker and emits finalized segments with a
// strictly increasing sequence number shared across speakers.
//
// Aggregator is not safe for concurrent use; each call session drives its
// aggregator from a single event loop.
type Aggregator struct {
	sink    SegmentSink
	now     func() time.Time
	buffers map[Speaker]*strings.Builder
	seq     int
}

func NewAggregator(sink SegmentSink) *Aggregator {
	return &Aggregator{
		sink:    sink,
		now:     time.Now,
		buffers: make(map[Speaker]*strings.Builder),
	}
}

// Delta appends a fragment to the speaker's buffer.
func (a *Aggregator) Delta(speaker Speaker, fragment any) {
	text := Normalize(fragment)
	if text == "" {
		return
	}
	a.buffer(speaker).WriteString(text)
}

// Complete finalizes the speaker's current utterance. A non-empty override
// replaces the buffered deltas; providers send the full transcript on the
// completed event and it wins over whatever deltas arrived. Segments that are
// empty after trimming are dropped, but the buffer is reset either way.
func (a *Aggregator) Complete(speaker Speaker, override any) (Segment, bool) {
	buf := a.buffer(speaker)
	text := Normalize(override)
	if text == "" {
		text = buf.String()
	}
	buf.Reset()

	text = strings.TrimSpace(text)
	if text == "" {
		return Segment{}, false
	}

	a.seq++
	seg := Segment{Seq: a.seq, Ts: a.now(), Speaker: speaker, Text: text}
	if a.sink != nil {
		a.sink.Segment(seg)
	}
	return seg, true
}

// Flush finalizes any buffered partial utterances, caller first. Used at call
// teardown so trailing speech is not lost.
func (a *Aggregator) Flush() {
	for _, speaker := range []Speaker{SpeakerCaller, SpeakerAgent} {
		if buf, ok := a.buffers[speaker]; ok && buf.Len() > 0 {
			a.Complete(speaker, nil)
		}
	}
}

// Seq returns the sequence number of the last emitted segment.
func (a *Aggregator) Seq() int { return a.seq }

func (a *Aggregator) buffer(speaker Speaker) *strings.Builder {
	buf, ok := a.buffers[speaker]
	if !ok {
		buf = &strings.Builder{}
		a.buffers[speaker] = buf
	}
	return buf
}
