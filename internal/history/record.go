package history

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Stream string

const (
	StreamChat          Stream = "chat"
	StreamVideoAnalysis Stream = "video_analysis"
)

func (s Stream) Valid() bool {
	return s == StreamChat || s == StreamVideoAnalysis
}

type Role string

const (
	RoleUserInput      Role = "user_input"
	RoleBotOutput      Role = "bot_output"
	RoleAnalysisResult Role = "analysis_result"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUserInput, RoleBotOutput, RoleAnalysisResult:
		return true
	}
	return false
}

// Key identifies one record stream of one user.
type Key struct {
	UserID uint64
	Stream Stream
}

func (k Key) String() string {
	return string(k.Stream) + ":" + strconv.FormatUint(k.UserID, 10)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	stream, uid, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	id, err := strconv.ParseUint(uid, 10, 64)
	if err != nil || id == 0 {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	k := Key{UserID: id, Stream: Stream(stream)}
	if !k.Stream.Valid() {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	return k, nil
}

// Record is immutable once appended.
type Record struct {
	ID        string          `json:"id"`
	UserID    uint64          `json:"user_id"`
	Stream    Stream          `json:"stream"`
	Role      Role            `json:"role"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Seq       int64           `json:"sequence_hint"`
}

func (r Record) Key() Key {
	return Key{UserID: r.UserID, Stream: r.Stream}
}

func (r Record) Position() Position {
	return Position{CreatedAt: r.CreatedAt, Seq: r.Seq}
}

// Position totally orders the records of one stream.
type Position struct {
	CreatedAt time.Time
	Seq       int64
}

// Before reports whether p sorts strictly older than q.
func (p Position) Before(q Position) bool {
	if !p.CreatedAt.Equal(q.CreatedAt) {
		return p.CreatedAt.Before(q.CreatedAt)
	}
	return p.Seq < q.Seq
}

// ChatMessage is the payload of the chat stream.
type ChatMessage struct {
	Message string `json:"message"`
}

// VideoAnalysis is the payload of the video analysis stream.
type VideoAnalysis struct {
	Filename      string `json:"filename"`
	Result        string `json:"result"`
	VideoDuration string `json:"video_duration,omitempty"`
	VideoFormat   string `json:"video_format,omitempty"`
}

func ChatPayload(text string) json.RawMessage {
	b, _ := json.Marshal(ChatMessage{Message: text})
	return b
}

func AnalysisPayload(v VideoAnalysis) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (r Record) ChatMessage() (ChatMessage, error) {
	var m ChatMessage
	err := json.Unmarshal(r.Payload, &m)
	return m, err
}

func (r Record) VideoAnalysis() (VideoAnalysis, error) {
	var v VideoAnalysis
	err := json.Unmarshal(r.Payload, &v)
	return v, err
}

// normalizePayload rejects payloads the durable tier could not store, so a
// write-behind buffer never holds an unflushable record. The result is the
// payload re-encoded from its typed form: fields the durable row does not
// keep are dropped, and both tiers return the same bytes.
func normalizePayload(stream Stream, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	switch stream {
	case StreamChat:
		var m ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return ChatPayload(m.Message), nil
	case StreamVideoAnalysis:
		var v VideoAnalysis
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if v.Filename == "" {
			return nil, fmt.Errorf("%w: filename required", ErrInvalidPayload)
		}
		return AnalysisPayload(v), nil
	}
	return nil, ErrUnknownStream
}
