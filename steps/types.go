package steps

import (
	"encoding/json"
	"fmt"
)

// reservedKeys are the shared hook fields every step object may carry
// alongside its single action key (§6).
var reservedKeys = map[string]bool{
	"optional":    true,
	"readyWhen":   true,
	"settledWhen": true,
	"observe":     true,
	"timeout":     true,
}

// Step is one entry of the input envelope's "steps" array. The JSON shape
// is a single <kind>: <params> pair plus the reserved hook fields, so
// Step implements its own UnmarshalJSON to pick the one non-reserved key
// out as the action.
type Step struct {
	Kind        string
	Params      json.RawMessage
	Optional    bool
	ReadyWhen   string
	SettledWhen string
	Observe     string
	TimeoutMS   int
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("step is not an object: %w", err)
	}

	var kind string
	for k := range raw {
		if reservedKeys[k] {
			continue
		}
		if kind != "" {
			return fmt.Errorf("step has more than one action key: %q and %q", kind, k)
		}
		kind = k
	}
	if kind == "" {
		return fmt.Errorf("step has no action key")
	}

	s.Kind = kind
	s.Params = raw[kind]
	if v, ok := raw["optional"]; ok {
		_ = json.Unmarshal(v, &s.Optional)
	}
	if v, ok := raw["readyWhen"]; ok {
		_ = json.Unmarshal(v, &s.ReadyWhen)
	}
	if v, ok := raw["settledWhen"]; ok {
		_ = json.Unmarshal(v, &s.SettledWhen)
	}
	if v, ok := raw["observe"]; ok {
		_ = json.Unmarshal(v, &s.Observe)
	}
	if v, ok := raw["timeout"]; ok {
		_ = json.Unmarshal(v, &s.TimeoutMS)
	}
	return nil
}

// Input is the top-level §6 input envelope.
type Input struct {
	Tab     string          `json:"tab,omitempty"`
	Timeout int             `json:"timeout,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
	Steps   []Step          `json:"steps"`
}

// Result is one entry of the output envelope's "steps" array (§6).
type Result struct {
	Action      string `json:"action"`
	Status      string `json:"status"` // "ok" | "error" | "skipped"
	Output      any    `json:"output,omitempty"`
	Params      any    `json:"params,omitempty"`
	Error       string `json:"error,omitempty"`
	Context     any    `json:"context,omitempty"`
	Observation any    `json:"observation,omitempty"`
}
