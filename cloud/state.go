package cloud

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"device-client-coap/lwm2m"
	"device-client-coap/registry"
)

// State is the desired state document served at /state.
type State struct {
	Version int64
	Desired []registry.Update
	Invoke  []Invocation
}

type Invocation struct {
	Path    lwm2m.Path
	Payload []byte
}

type stateDocument struct {
	Version int64                      `json:"version"`
	Desired map[string]json.RawMessage `json:"desired"`
	Invoke  map[string][]byte          `json:"invoke"`
}

// ParseState decodes a state document. Desired values may be JSON strings
// or bare scalars; invoke payloads are base64.
func ParseState(data []byte) (State, error) {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	state := State{Version: doc.Version}
	for key, raw := range doc.Desired {
		path, err := lwm2m.ParsePath(key)
		if err != nil {
			return State{}, err
		}
		state.Desired = append(state.Desired, registry.Update{Path: path, Value: scalar(raw)})
	}
	for key, payload := range doc.Invoke {
		path, err := lwm2m.ParsePath(key)
		if err != nil {
			return State{}, err
		}
		state.Invoke = append(state.Invoke, Invocation{Path: path, Payload: payload})
	}
	sort.Slice(state.Desired, func(i, j int) bool { return state.Desired[i].Path.Less(state.Desired[j].Path) })
	sort.Slice(state.Invoke, func(i, j int) bool { return state.Invoke[i].Path.Less(state.Invoke[j].Path) })
	return state, nil
}

func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// desiredTracker remembers what has been applied so repeated polls of the
// same document are no-ops.
type desiredTracker struct {
	version int64
	values  map[lwm2m.Path]string
}

func (t *desiredTracker) diff(state State) ([]registry.Update, []Invocation) {
	var writes []registry.Update
	for _, u := range state.Desired {
		if v, ok := t.values[u.Path]; ok && v == u.Value {
			continue
		}
		writes = append(writes, u)
	}
	var invokes []Invocation
	if state.Version > t.version {
		invokes = state.Invoke
		t.version = state.Version
	}
	return writes, invokes
}

func (t *desiredTracker) applied(u registry.Update) {
	if t.values == nil {
		t.values = make(map[lwm2m.Path]string)
	}
	t.values[u.Path] = u.Value
}
