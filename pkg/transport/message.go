// Package transport splits the player across two execution contexts: the
// core runs on one side and the media pipeline with its playback observer
// on the other, exchanging serialized messages over a websocket. Only sink
// mutations and observations cross the boundary.
package transport

import (
	"encoding/json"

	"github.com/aminofox/zenplay/pkg/errors"
	"github.com/aminofox/zenplay/pkg/ranges"
	"github.com/aminofox/zenplay/pkg/types"
)

// Message types
const (
	MsgAddBuffer       = "add_buffer"
	MsgAppend          = "append"
	MsgRemove          = "remove"
	MsgAbort           = "abort"
	MsgDispose         = "dispose"
	MsgIsTypeSupported = "is_type_supported"
	MsgSetDuration     = "set_duration"
	MsgEndOfStream     = "end_of_stream"
	MsgReset           = "reset"
	MsgSetCurrentTime  = "set_current_time"
	MsgSetPlaybackRate = "set_playback_rate"
	MsgObservation     = "observation"
	MsgResponse        = "response"
	MsgError           = "error"
	MsgPing            = "ping"
	MsgPong            = "pong"
)

// Message is the envelope of every websocket frame. Requests carry an ID
// echoed by their response; notifications have none.
type Message struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorData      `json:"error,omitempty"`
}

// ErrorData carries an error across the boundary
type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// AddBufferData represents add buffer message data
type AddBufferData struct {
	TrackType types.TrackType `json:"track_type"`
	Codec     string          `json:"codec"`
}

// AddBufferResult is the response to an add buffer message
type AddBufferResult struct {
	BufferID string `json:"buffer_id"`
}

// AppendData represents append message data
type AppendData struct {
	BufferID string             `json:"buffer_id"`
	Payload  []byte             `json:"payload"`
	Params   types.AppendParams `json:"params"`
}

// RemoveData represents remove message data
type RemoveData struct {
	BufferID string  `json:"buffer_id"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
}

// BufferData targets a buffer without parameters (abort, dispose)
type BufferData struct {
	BufferID string `json:"buffer_id"`
}

// BufferedResult is the response to append and remove messages
type BufferedResult struct {
	Buffered []ranges.Range `json:"buffered"`
}

// TypeSupportData represents is type supported message data
type TypeSupportData struct {
	MimeType string `json:"mime_type"`
}

// TypeSupportResult is the response to an is type supported message
type TypeSupportResult struct {
	Supported bool `json:"supported"`
}

// ValueData carries a single number (duration, position, rate)
type ValueData struct {
	Value float64 `json:"value"`
}

func toErrorData(err error) *ErrorData {
	return &ErrorData{
		Code:    int(errors.GetErrorCode(err)),
		Message: err.Error(),
		Fatal:   errors.IsFatal(err),
	}
}

func (e *ErrorData) toError() error {
	out := errors.New(errors.ErrorCode(e.Code), e.Message)
	out.Fatal = e.Fatal
	return out
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
