package telemetry

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventServerConnect    EventType = "server_connect"
	EventServerDisconnect EventType = "server_disconnect"
	EventHandleEvicted    EventType = "handle_evicted"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventSandboxStart     EventType = "sandbox_start"
	EventSandboxFinish    EventType = "sandbox_finish"
)

// Event captures structured telemetry data for one runtime occurrence.
type Event struct {
	Type      EventType      `json:"type"`
	Server    string         `json:"server,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Telemetry receives execution traces emitted by the runtime. Sinks must be
// safe for concurrent use; tool calls may fan out across goroutines.
type Telemetry interface {
	Emit(event Event)
}

// Noop discards all events.
type Noop struct{}

// Emit implements Telemetry.
func (Noop) Emit(Event) {}

// Multiplex broadcasts events to multiple sinks.
type Multiplex struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m Multiplex) Emit(event Event) {
	for _, s := range m.Sinks {
		s.Emit(event)
	}
}

// JSONFile writes events as newline-delimited JSON to a file so external
// tools can tail and process the stream in real time.
type JSONFile struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFile opens (or creates) the log file in append mode.
func NewJSONFile(path string) (*JSONFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFile{file: f, enc: json.NewEncoder(f)}, nil
}

// Emit writes the JSON record. Encoding failures are dropped; telemetry must
// never take down the call path.
func (j *JSONFile) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(event)
}

// Close flushes and closes the underlying file.
func (j *JSONFile) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
