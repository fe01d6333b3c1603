// Package payload models the request documents of the ClubWise JSON action
// protocol. Only the fields the service reads or rewrites are typed; every
// other field is carried through untouched so a replayed request matches the
// captured one.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action tags of the two captured requests.
const (
	ActionChangeDate = "mChangeDate"
	ActionShow       = "OnShow"
)

// Sync-property identifiers touched by the mutator and extractor.
const (
	GridControl     = "oMulticourtGrid.oMCG"
	CurrentDateProp = "pdCurrentDate"
	HTMLProp        = "psHtml"
)

// Template is a captured request body: {"ActionRequest": {...}}.
type Template struct {
	ActionRequest *ActionRequest
	extra         fields
}

// ActionRequest is the envelope holding the action list and the sync header.
type ActionRequest struct {
	Actions []Action
	Header  *Header
	extra   fields
}

// Action is one entry of aActions.
type Action struct {
	Name  string // sAction
	extra fields
}

// Header carries the sync-property groups. Responses use the same shape.
type Header struct {
	SyncProps []SyncGroup // aSyncProps
	extra     fields
}

// SyncGroup is one sync-property group, identified by its object path.
type SyncGroup struct {
	Object string     // sO
	Props  []Property // aP
	extra  fields
}

// Property is a named value inside a sync group. Value is raw JSON because
// the protocol does not promise it is always a string.
type Property struct {
	Name  string // sN
	Value json.RawMessage
	extra fields
}

// Decode parses a captured request body.
func Decode(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &t, nil
}

// Encode serializes the template without HTML-escaping the embedded markup.
func (t *Template) Encode() ([]byte, error) {
	return marshal(t)
}

// Clone returns an independent deep copy.
func (t *Template) Clone() (*Template, error) {
	data, err := t.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	return Decode(data)
}

// Action returns the first action tag, or "" if there is none.
func (t *Template) Action() string {
	if t == nil || t.ActionRequest == nil || len(t.ActionRequest.Actions) == 0 {
		return ""
	}
	return t.ActionRequest.Actions[0].Name
}

// Header returns the sync header, or nil.
func (t *Template) Header() *Header {
	if t == nil || t.ActionRequest == nil {
		return nil
	}
	return t.ActionRequest.Header
}

// Validate checks the structural invariants a replayable template must hold.
// An empty want skips the action tag check.
func (t *Template) Validate(want string) error {
	if t == nil || t.ActionRequest == nil {
		return errors.New("template has no ActionRequest")
	}
	if n := len(t.ActionRequest.Actions); n != 1 {
		return fmt.Errorf("template has %d actions, want exactly 1", n)
	}
	if t.ActionRequest.Header == nil {
		return errors.New("template has no Header")
	}
	if want != "" && t.Action() != want {
		return fmt.Errorf("template action is %q, want %q", t.Action(), want)
	}
	return nil
}

// Group returns the first group whose object equals name, or nil.
func (h *Header) Group(name string) *SyncGroup {
	if h == nil {
		return nil
	}
	for i := range h.SyncProps {
		if h.SyncProps[i].Object == name {
			return &h.SyncProps[i]
		}
	}
	return nil
}

// Property returns the first property called name, or nil.
func (g *SyncGroup) Property(name string) *Property {
	for i := range g.Props {
		if g.Props[i].Name == name {
			return &g.Props[i]
		}
	}
	return nil
}

// Text returns the value if it is a JSON string.
func (p *Property) Text() (string, bool) {
	var s string
	if len(p.Value) == 0 || json.Unmarshal(p.Value, &s) != nil {
		return "", false
	}
	return s, true
}

// SetText replaces the value with a JSON string.
func (p *Property) SetText(s string) error {
	b, err := marshal(s)
	if err != nil {
		return err
	}
	p.Value = b
	return nil
}

// Response is the body returned by the action endpoint: {"Header": {...}}.
type Response struct {
	Header *Header
}

// DecodeResponse parses a replay response body.
func DecodeResponse(data []byte) (*Response, error) {
	f, err := decodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var r Response
	if err := f.take("Header", &r.Header); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &r, nil
}

func (t *Template) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return err
	}
	if err := f.take("ActionRequest", &t.ActionRequest); err != nil {
		return err
	}
	t.extra = f
	return nil
}

func (t *Template) MarshalJSON() ([]byte, error) {
	known := map[string]any{}
	if t.ActionRequest != nil {
		known["ActionRequest"] = t.ActionRequest
	}
	return t.extra.encode(known)
}

func (a *ActionRequest) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return err
	}
	if err := f.take("aActions", &a.Actions); err != nil {
		return err
	}
	if err := f.take("Header", &a.Header); err != nil {
		return err
	}
	a.extra = f
	return nil
}

func (a *ActionRequest) MarshalJSON() ([]byte, error) {
	known := map[string]any{}
	if a.Actions != nil {
		known["aActions"] = a.Actions
	}
	if a.Header != nil {
		known["Header"] = a.Header
	}
	return a.extra.encode(known)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return err
	}
	if err := f.take("sAction", &a.Name); err != nil {
		return err
	}
	a.extra = f
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	known := map[string]any{}
	if a.Name != "" {
		known["sAction"] = a.Name
	}
	return a.extra.encode(known)
}

func (h *Header) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return err
	}
	if err := f.take("aSyncProps", &h.SyncProps); err != nil {
		return err
	}
	h.extra = f
	return nil
}

func (h *Header) MarshalJSON() ([]byte, error) {
	known := map[string]any{}
	if h.SyncProps != nil {
		known["aSyncProps"] = h.SyncProps
	}
	return h.extra.encode(known)
}

func (g *SyncGroup) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return err
	}
	if err := f.take("sO", &g.Object); err != nil {
		return err
	}
	if err := f.take("aP", &g.Props); err != nil {
		return err
	}
	g.extra = f
	return nil
}

func (g SyncGroup) MarshalJSON() ([]byte, error) {
	known := map[string]any{}
	if g.Object != "" {
		known["sO"] = g.Object
	}
	if g.Props != nil {
		known["aP"] = g.Props
	}
	return g.extra.encode(known)
}

func (p *Property) UnmarshalJSON(data []byte) error {
	f, err := decodeFields(data)
	if err != nil {
		return err
	}
	if err := f.take("sN", &p.Name); err != nil {
		return err
	}
	if raw, ok := f["sV"]; ok {
		p.Value = append(json.RawMessage(nil), raw...)
		delete(f, "sV")
	}
	p.extra = f
	return nil
}

func (p Property) MarshalJSON() ([]byte, error) {
	known := map[string]any{}
	if p.Name != "" {
		known["sN"] = p.Name
	}
	if len(p.Value) > 0 {
		known["sV"] = p.Value
	}
	return p.extra.encode(known)
}

// fields holds the JSON members a type does not model.
type fields map[string]json.RawMessage

func decodeFields(data []byte) (fields, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errors.New("expected JSON object, got null")
	}
	return f, nil
}

// take decodes key into v and removes it from f. A missing key leaves v as is.
func (f fields) take(key string, v any) error {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	delete(f, key)
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (f fields) encode(known map[string]any) ([]byte, error) {
	out := make(map[string]any, len(f)+len(known))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range known {
		out[k] = v
	}
	return marshal(out)
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
