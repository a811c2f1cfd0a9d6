package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DoneSentinel is the terminal data payload of an OpenAI-compatible stream.
const DoneSentinel = "[DONE]"

// Event is one client-facing SSE emission paired with its canonical chunk.
// Chunk is nil for the [DONE] sentinel and for side-channel events such as
// function announcements.
type Event struct {
	Name  string
	Data  string
	Chunk *openai.ChatCompletionStreamResponse
}

// Encode renders the event in SSE wire form.
func (e Event) Encode() string {
	if e.Name != "" {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, e.Data)
	}
	return fmt.Sprintf("data: %s\n\n", e.Data)
}

// IsDone reports whether the event is the terminal sentinel.
func (e Event) IsDone() bool {
	return e.Name == "" && e.Data == DoneSentinel
}

// NewChunkEvent renders a canonical chunk as a data event.
func NewChunkEvent(chunk openai.ChatCompletionStreamResponse) Event {
	data, err := json.Marshal(chunk)
	if err != nil {
		return Event{}
	}
	return Event{Data: string(data), Chunk: &chunk}
}

// DoneEvent returns the terminal sentinel event.
func DoneEvent() Event {
	return Event{Data: DoneSentinel}
}

// Sink receives encoded events; the proxy implements it over the HTTP
// response body.
type Sink interface {
	Send(ev Event) error
}

// Frame is one upstream SSE frame: an optional event name and the joined
// data payload.
type Frame struct {
	Event string
	Data  string
}

// frameReader incrementally parses SSE frames from an upstream body. It is
// pull-based: it reads no further than the caller asks for.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-empty frame. io.EOF signals a cleanly exhausted
// upstream; any other error is a transport failure.
func (fr *frameReader) Next() (Frame, error) {
	var eventName string
	var dataLines []string

	for {
		line, err := fr.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return Frame{}, err
		}
		atEOF := err == io.EOF
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				return Frame{Event: eventName, Data: strings.Join(dataLines, "\n")}, nil
			}
			eventName = ""
		case strings.HasPrefix(line, ":"):
			// comment line
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}

		if atEOF {
			if len(dataLines) > 0 {
				return Frame{Event: eventName, Data: strings.Join(dataLines, "\n")}, nil
			}
			return Frame{}, io.EOF
		}
	}
}
