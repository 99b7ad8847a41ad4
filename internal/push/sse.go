package push

import (
	"bytes"
	"strings"
)

// Frame is one server-sent event.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// frameDecoder splits a byte stream into frames. Chunks may cut lines at
// any position.
type frameDecoder struct {
	pending []byte
	event   string
	id      string
	data    []string
}

// Feed consumes chunk and returns the completed frames. comment reports
// whether a comment line such as a keepalive was seen.
func (d *frameDecoder) Feed(chunk []byte) (frames []Frame, comment bool) {
	d.pending = append(d.pending, chunk...)
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			return frames, comment
		}
		line := strings.TrimSuffix(string(d.pending[:i]), "\r")
		d.pending = d.pending[i+1:]

		switch {
		case line == "":
			if f, ok := d.dispatch(); ok {
				frames = append(frames, f)
			}
		case strings.HasPrefix(line, ":"):
			comment = true
		default:
			d.field(line)
		}
	}
}

func (d *frameDecoder) field(line string) {
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "event":
		d.event = value
	case "id":
		d.id = value
	case "data":
		d.data = append(d.data, value)
	}
}

func (d *frameDecoder) dispatch() (Frame, bool) {
	defer func() {
		d.event, d.id, d.data = "", "", nil
	}()
	if len(d.data) == 0 && d.event == "" {
		return Frame{}, false
	}
	event := d.event
	if event == "" {
		event = "message"
	}
	return Frame{Event: event, ID: d.id, Data: strings.Join(d.data, "\n")}, true
}
