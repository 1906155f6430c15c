package marking

import (
	"encoding/json"
	"strings"
)

// TechniquesKind tags the shape of the X-Vysti-Techniques side channel.
// The header may be absent, an array of strings, an array of objects, or
// malformed; downstream code branches on the tag and never re-parses.
type TechniquesKind int

const (
	TechniquesNone TechniquesKind = iota
	TechniquesStrings
	TechniquesObjects
	TechniquesInvalid
)

func (k TechniquesKind) String() string {
	switch k {
	case TechniquesNone:
		return "none"
	case TechniquesStrings:
		return "strings"
	case TechniquesObjects:
		return "objects"
	case TechniquesInvalid:
		return "invalid"
	}
	return "unknown"
}

// Techniques is the parsed side channel. Exactly one of Strings/Objects is
// populated for the corresponding kind; Raw and Err carry diagnostics for
// TechniquesInvalid.
type Techniques struct {
	Kind    TechniquesKind
	Strings []string
	Objects []map[string]any
	Raw     string
	Err     string
}

// MarshalJSON renders the union with its kind tag, so API payloads and the
// local mark-record cache carry the same shape.
func (t Techniques) MarshalJSON() ([]byte, error) {
	type view struct {
		Kind    string           `json:"kind"`
		Strings []string         `json:"strings,omitempty"`
		Objects []map[string]any `json:"objects,omitempty"`
		Raw     string           `json:"raw,omitempty"`
		Error   string           `json:"error,omitempty"`
	}
	return json.Marshal(view{
		Kind:    t.Kind.String(),
		Strings: t.Strings,
		Objects: t.Objects,
		Raw:     t.Raw,
		Error:   t.Err,
	})
}

// UnmarshalJSON restores the union from its tagged form.
func (t *Techniques) UnmarshalJSON(data []byte) error {
	var v struct {
		Kind    string           `json:"kind"`
		Strings []string         `json:"strings"`
		Objects []map[string]any `json:"objects"`
		Raw     string           `json:"raw"`
		Error   string           `json:"error"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.Kind {
	case "strings":
		t.Kind = TechniquesStrings
	case "objects":
		t.Kind = TechniquesObjects
	case "invalid":
		t.Kind = TechniquesInvalid
	default:
		t.Kind = TechniquesNone
	}
	t.Strings, t.Objects = v.Strings, v.Objects
	t.Raw, t.Err = v.Raw, v.Error
	return nil
}

// ParseTechniques decodes the header value. Malformed JSON is data, not an
// error: the mark itself succeeded, so the caller gets an Invalid tag with
// the raw payload attached. A JSON scalar (non-array) is also Invalid.
func ParseTechniques(header string) Techniques {
	header = strings.TrimSpace(header)
	if header == "" {
		return Techniques{Kind: TechniquesNone}
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(header), &arr); err != nil {
		return Techniques{Kind: TechniquesInvalid, Raw: header, Err: err.Error()}
	}
	if len(arr) == 0 {
		return Techniques{Kind: TechniquesNone}
	}

	var strs []string
	if err := json.Unmarshal([]byte(header), &strs); err == nil {
		return Techniques{Kind: TechniquesStrings, Strings: strs}
	}

	var objs []map[string]any
	if err := json.Unmarshal([]byte(header), &objs); err == nil {
		return Techniques{Kind: TechniquesObjects, Objects: objs}
	}

	return Techniques{Kind: TechniquesInvalid, Raw: header, Err: "array elements are neither all strings nor all objects"}
}
