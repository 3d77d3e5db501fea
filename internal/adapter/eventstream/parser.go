package eventstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

const maxLineBytes = 1 << 20

// frame is one dispatched server-sent event.
type frame struct {
	ID    string
	Event string
	Data  string
}

// reader splits an event-stream body into frames.
type reader struct {
	br *bufio.Reader
}

func newReader(r io.Reader) *reader {
	return &reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next frame carrying data or an id. Comments, retry hints
// and empty blocks are skipped.
func (r *reader) next() (frame, error) {
	var (
		f       frame
		data    strings.Builder
		hasData bool
	)
	for {
		line, err := r.readLine()
		if err != nil {
			return frame{}, err
		}
		if line == "" {
			if hasData || f.ID != "" {
				f.Data = data.String()
				return f, nil
			}
			f = frame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
}

func (r *reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.br.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > maxLineBytes {
			return "", fmt.Errorf("event stream line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

// decodeFrame maps a frame to a StreamEvent. Frames without an event name
// are read as a JSON envelope {id, type, data}. A payload that cannot be
// decoded yields an Unknown event so the cursor still advances, together
// with the decode error for logging.
func decodeFrame(f frame) (domain.StreamEvent, error) {
	eventType, id, payload := f.Event, f.ID, f.Data
	if eventType == "" && gjson.Valid(f.Data) {
		env := gjson.Parse(f.Data)
		if t := env.Get("type"); t.Exists() {
			eventType = t.String()
			if id == "" {
				id = env.Get("id").String()
			}
			payload = env.Get("data").Raw
		}
	}

	kind := domain.ParseEventKind(eventType)
	switch kind {
	case domain.EventSessionCreated, domain.EventSessionUpdated, domain.EventSessionCompleted:
		var session domain.CommerceSession
		if err := json.Unmarshal([]byte(payload), &session); err != nil {
			return domain.StreamEvent{Kind: domain.EventUnknown, ID: id}, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		if session.ID == "" {
			return domain.StreamEvent{Kind: domain.EventUnknown, ID: id}, fmt.Errorf("decode %s payload: missing session id", eventType)
		}
		return domain.StreamEvent{Kind: kind, ID: id, Session: &session}, nil
	case domain.EventUnknown:
		return domain.StreamEvent{Kind: domain.EventUnknown, ID: id}, nil
	}
	return domain.StreamEvent{Kind: domain.EventUnknown, ID: id}, nil
}
