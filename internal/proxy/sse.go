package proxy

import "strings"

// Message is one upstream server-sent event reconstructed from its wire
// frames.
type Message struct {
	// Event is the optional event name.
	Event string

	// Data is the joined payload of the frame's data lines.
	Data string
}

// SSEParser incrementally decodes a text/event-stream byte flow. Feed it
// chunks as they arrive; complete messages come back in arrival order.
//
// Recognised fields are event: and data:; anything else is ignored per the
// SSE grammar the upstream speaks. Line terminators may be \n or \r\n.
type SSEParser struct {
	buf       strings.Builder
	event     string
	dataLines []string
}

// Feed consumes a chunk and returns the messages it completed.
func (p *SSEParser) Feed(chunk []byte) []Message {
	p.buf.Write(chunk)

	var messages []Message
	text := p.buf.String()
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(text[:idx], "\r")
		text = text[idx+1:]

		if line == "" {
			if p.event == "" && len(p.dataLines) == 0 {
				continue
			}
			messages = append(messages, Message{
				Event: p.event,
				Data:  strings.Join(p.dataLines, "\n"),
			})
			p.event = ""
			p.dataLines = nil
			continue
		}

		if value, ok := strings.CutPrefix(line, "event:"); ok {
			p.event = strings.TrimSpace(value)
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			p.dataLines = append(p.dataLines, strings.TrimPrefix(value, " "))
			continue
		}
	}

	p.buf.Reset()
	p.buf.WriteString(text)
	return messages
}
