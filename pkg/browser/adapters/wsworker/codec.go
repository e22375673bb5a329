package wsworker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/odvcencio/browserpool/pkg/browser"
)

var emptyParams = json.RawMessage(`{}`)

// requestFrame is the command envelope written to the worker.
type requestFrame struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Params  any    `json:"params"`
}

// responseFrame is the reply envelope read from the worker. Error may be a
// plain string or an object carrying a message field.
type responseFrame struct {
	ID      string          `json:"id"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func encodeRequest(id, command string, params any) ([]byte, error) {
	if params == nil {
		params = emptyParams
	}
	data, err := json.Marshal(requestFrame{ID: id, Command: command, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", command, err)
	}
	return data, nil
}

func decodeResponse(data []byte) (responseFrame, error) {
	var frame responseFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return responseFrame{}, fmt.Errorf("%w: %v", browser.ErrMalformedFrame, err)
	}
	if strings.TrimSpace(frame.ID) == "" {
		return responseFrame{}, fmt.Errorf("%w: missing id", browser.ErrMalformedFrame)
	}
	return frame, nil
}

func (f responseFrame) failed() bool {
	if hasValue(f.Error) {
		return true
	}
	return f.Success != nil && !*f.Success
}

func (f responseFrame) errorMessage() string {
	if !hasValue(f.Error) {
		return "command reported failure"
	}
	var text string
	if err := json.Unmarshal(f.Error, &text); err == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(f.Error)
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
