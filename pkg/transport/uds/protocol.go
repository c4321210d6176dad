package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
)

// MaxMessageSize bounds one NDJSON line.
const MaxMessageSize = 64 << 20

// envelopeSize is room left in a message for everything but artifact data.
const envelopeSize = 64 << 10

// MaxArtifactSize is the largest artifact an Export response can carry.
// Artifact bytes travel base64-encoded, four bytes for every three.
const MaxArtifactSize = (MaxMessageSize - envelopeSize) / 4 * 3

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// UnmarshalData decodes the payload into v. An empty payload leaves v as is.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Method, err)
	}
	return nil
}

func encodeData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     fmt.Sprintf("req-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Error:  errMsg,
	}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     fmt.Sprintf("evt-%d", reqCounter.Add(1)),
		Method: method,
		Data:   raw,
	}, nil
}

// RemoteError is returned by the client when the daemon answers with an error.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Methods
const (
	MethodPing        = "Ping"
	MethodStats       = "Stats"
	MethodTail        = "Tail"
	MethodExport      = "Export"
	MethodCommit      = "Commit"
	MethodClear       = "Clear"
	MethodListSources = "ListSources"

	EventStatsChanged = "stats.changed"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// StatsResponse is returned by Stats and Clear, and is the payload of
// stats.changed events.
type StatsResponse struct {
	Stats   aggregator.Stats `json:"stats"`
	Sources []core.Source    `json:"sources,omitempty"`
}

// TailRequest asks for the newest N lines. N <= 0 means all of them.
type TailRequest struct {
	N int `json:"n"`
}

// TailResponse carries retained lines, oldest first.
type TailResponse struct {
	Lines []aggregator.Entry `json:"lines"`
}

// ExportRequest asks for an artifact. Without Reset the buffer is left
// alone until a Commit for the artifact's End arrives; with Reset the daemon
// removes the exported lines before replying.
type ExportRequest struct {
	Reset bool `json:"reset,omitempty"`
}

// ExportResponse carries the packaged artifact.
type ExportResponse struct {
	Artifact aggregator.Artifact `json:"artifact"`
}

// CommitRequest removes the lines covered by an artifact with this End.
// Commit answers with a StatsResponse.
type CommitRequest struct {
	End uint64 `json:"end"`
}

// ListSourcesResponse lists the configured sources and their status.
type ListSourcesResponse struct {
	Sources []core.Source `json:"sources"`
}
