package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

// decoder reads envelope fields one at a time and records every value whose
// JSON type is wrong. Absent and null fields decode to zero values and are
// left for the validators to judge.
type decoder struct {
	errs *multierror.Error
	bad  []string
}

func (d *decoder) mismatch(path, message string) {
	d.errs = field(d.errs, path, message)
	d.bad = append(d.bad, path)
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (d *decoder) str(path string, raw json.RawMessage) string {
	if p := d.optStr(path, raw); p != nil {
		return *p
	}
	return ""
}

func (d *decoder) optStr(path string, raw json.RawMessage) *string {
	if absent(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.mismatch(path, "must be a string")
		return nil
	}
	return &s
}

func (d *decoder) boolean(path string, raw json.RawMessage) bool {
	if absent(raw) {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		d.mismatch(path, "must be a boolean")
	}
	return b
}

func (d *decoder) object(path string, raw json.RawMessage) map[string]json.RawMessage {
	if absent(raw) {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		d.mismatch(path, "must be an object")
		return nil
	}
	return m
}

func (d *decoder) blocks(path string, raw json.RawMessage) []tool.ContentBlock {
	if absent(raw) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		d.mismatch(path, "must be an array")
		return nil
	}
	out := make([]tool.ContentBlock, 0, len(items))
	for i, item := range items {
		at := fmt.Sprintf("%s[%d]", path, i)
		m := d.object(at, item)
		if m == nil && !absent(item) {
			// Keep indexes aligned with the input.
			out = append(out, tool.ContentBlock{})
			continue
		}
		out = append(out, tool.ContentBlock{
			Type:     d.str(at+".type", m["type"]),
			Text:     d.optStr(at+".text", m["text"]),
			Data:     d.optStr(at+".data", m["data"]),
			MimeType: d.optStr(at+".mimeType", m["mimeType"]),
		})
	}
	return out
}

// covers reports whether name is a field already rejected for its type, or
// lies beneath one.
func (d *decoder) covers(name string) bool {
	for _, path := range d.bad {
		if name == path || strings.HasPrefix(name, path+".") || strings.HasPrefix(name, path+"[") {
			return true
		}
	}
	return false
}

// merge joins the type mismatches with the validator's findings, dropping
// findings about fields already reported.
func (d *decoder) merge(message string, err error) error {
	errs := d.errs
	if e, ok := apperr.As(err); ok {
		for _, fe := range e.Fields {
			if !d.covers(fe.Field) {
				errs = field(errs, fe.Field, fe.Message)
			}
		}
	}
	return result(message, errs)
}
