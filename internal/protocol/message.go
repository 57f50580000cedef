package protocol

import "encoding/json"

// Reserved message names used by the framework itself. Game logic must not
// reuse them for its own traffic.
const (
	NameToken      = "token"
	NameInit       = "init"
	NameTurn       = "turn"
	NameStatus     = "status"
	NameShutdown   = "shutdown"
	NameWrongToken = "wrong token"
	NameCommand    = "command"
	NameEvent      = "event"
	NameReport     = "report"
)

// Message is the outbound JSON envelope: a name and a positional argument
// list. Args elements may be any JSON-serializable value.
type Message struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// NewMessage builds a Message from a name and its arguments.
func NewMessage(name string, args ...any) Message {
	return Message{Name: name, Args: args}
}

// Report builds the standard terminal-command response envelope: a "report"
// message whose first argument is the list of lines.
func Report(lines ...string) Message {
	if lines == nil {
		lines = []string{}
	}
	return Message{Name: NameReport, Args: []any{lines}}
}

// ReceivedMessage is the inbound envelope. Argument decoding is deferred:
// each element stays raw JSON until the consumer knows its expected shape.
type ReceivedMessage struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

// Arg decodes the i-th argument into v. Returns ErrDecode-wrapped errors
// for out-of-range indices and malformed payloads.
func (m *ReceivedMessage) Arg(i int, v any) error {
	if i < 0 || i >= len(m.Args) {
		return errArgIndex(i, len(m.Args))
	}
	if err := json.Unmarshal(m.Args[i], v); err != nil {
		return decodeError(err)
	}
	return nil
}

// StringArg decodes the i-th argument as a JSON string.
func (m *ReceivedMessage) StringArg(i int) (string, error) {
	var s string
	if err := m.Arg(i, &s); err != nil {
		return "", err
	}
	return s, nil
}
