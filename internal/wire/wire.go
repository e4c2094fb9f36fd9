// Package wire validates the envelopes that cross the relay boundary. Every
// check runs to completion so callers see all violations in one pass.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/zhouzirui/codap-relay/backend/internal/model/tool"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/sessioncode"
)

const codeMessage = "must be 8 characters from A-Z and 2-7"

var emptyArgs = json.RawMessage(`{}`)

// BlockValidator checks the kind-specific fields of one content block.
// field is the path prefix to use in reported errors, e.g. "result.content[2]".
type BlockValidator func(field string, block tool.ContentBlock) []apperr.FieldError

// Validator holds the recognised content block kinds.
type Validator struct {
	blocks map[string]BlockValidator
}

// NewValidator returns a validator that understands text and image blocks.
func NewValidator() *Validator {
	v := &Validator{blocks: make(map[string]BlockValidator)}
	v.RegisterBlockType(tool.ContentText, validateTextBlock)
	v.RegisterBlockType(tool.ContentImage, validateImageBlock)
	return v
}

// RegisterBlockType adds or replaces the validator for a content kind.
func (v *Validator) RegisterBlockType(kind string, fn BlockValidator) {
	v.blocks[kind] = fn
}

var defaultValidator = NewValidator()

// ValidateRequest checks a tool request with the default validator.
func ValidateRequest(req *tool.Request) error { return defaultValidator.ValidateRequest(req) }

// ValidateResponse checks a tool response with the default validator.
func ValidateResponse(resp *tool.Response) error { return defaultValidator.ValidateResponse(resp) }

// DecodeRequest parses and validates a raw tool request body.
func DecodeRequest(raw []byte) (tool.Request, error) { return defaultValidator.DecodeRequest(raw) }

// DecodeResponse parses and validates a raw tool response body.
func DecodeResponse(raw []byte) (tool.Response, error) { return defaultValidator.DecodeResponse(raw) }

// DecodeRequest parses raw field by field, so a value of the wrong JSON type
// is reported against its own field alongside every other violation.
func (v *Validator) DecodeRequest(raw []byte) (tool.Request, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return tool.Request{}, decodeError(err)
	}
	var d decoder
	req := tool.Request{
		Code: d.str("code", top["code"]),
		ID:   d.str("id", top["id"]),
		Tool: d.str("tool", top["tool"]),
		Args: top["args"],
	}
	return req, d.merge("invalid tool request", v.ValidateRequest(&req))
}

// DecodeResponse is DecodeRequest for tool responses.
func (v *Validator) DecodeResponse(raw []byte) (tool.Response, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return tool.Response{}, decodeError(err)
	}
	var d decoder
	resp := tool.Response{
		Code: d.str("code", top["code"]),
		ID:   d.str("id", top["id"]),
	}
	if res := d.object("result", top["result"]); res != nil {
		resp.Result.IsError = d.boolean("result.isError", res["isError"])
		resp.Result.Content = d.blocks("result.content", res["content"])
	}
	return resp, d.merge("invalid tool response", v.ValidateResponse(&resp))
}

// ValidateRequest rejects a request unless code, id and tool are well formed.
// A missing or null args payload is normalised to an empty object.
func (v *Validator) ValidateRequest(req *tool.Request) error {
	var errs *multierror.Error
	errs = checkCode(errs, req.Code)
	if req.ID == "" {
		errs = field(errs, "id", "is required")
	}
	if req.Tool == "" {
		errs = field(errs, "tool", "is required")
	}
	trimmed := bytes.TrimSpace(req.Args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		req.Args = emptyArgs
	} else if !json.Valid(trimmed) {
		errs = field(errs, "args", "must be valid JSON")
	}
	return result("invalid tool request", errs)
}

// ValidateResponse rejects a response unless code and id are well formed and
// every content block is a recognised kind carrying its required fields.
func (v *Validator) ValidateResponse(resp *tool.Response) error {
	var errs *multierror.Error
	errs = checkCode(errs, resp.Code)
	if resp.ID == "" {
		errs = field(errs, "id", "is required")
	}
	if resp.Result.Content == nil {
		errs = field(errs, "result.content", "is required")
	}
	for i, block := range resp.Result.Content {
		path := fmt.Sprintf("result.content[%d]", i)
		check, ok := v.blocks[block.Type]
		if !ok {
			errs = field(errs, path+".type", fmt.Sprintf("unrecognised content type %q", block.Type))
			continue
		}
		for _, fe := range check(path, block) {
			errs = multierror.Append(errs, &apperr.FieldError{Field: fe.Field, Message: fe.Message})
		}
	}
	return result("invalid tool response", errs)
}

func validateTextBlock(path string, block tool.ContentBlock) []apperr.FieldError {
	if block.Text == nil {
		return []apperr.FieldError{{Field: path + ".text", Message: "must be a string"}}
	}
	return nil
}

func validateImageBlock(path string, block tool.ContentBlock) []apperr.FieldError {
	var out []apperr.FieldError
	if block.Data == nil || *block.Data == "" {
		out = append(out, apperr.FieldError{Field: path + ".data", Message: "is required"})
	}
	if block.MimeType == nil || *block.MimeType == "" {
		out = append(out, apperr.FieldError{Field: path + ".mimeType", Message: "is required"})
	}
	return out
}

func checkCode(errs *multierror.Error, code string) *multierror.Error {
	if code == "" {
		return field(errs, "code", "is required")
	}
	if !sessioncode.Valid(code) {
		return field(errs, "code", codeMessage)
	}
	return errs
}

func field(errs *multierror.Error, name, message string) *multierror.Error {
	return multierror.Append(errs, &apperr.FieldError{Field: name, Message: message})
}

func result(message string, errs *multierror.Error) error {
	if errs.ErrorOrNil() == nil {
		return nil
	}
	fields := make([]apperr.FieldError, 0, len(errs.Errors))
	for _, err := range errs.Errors {
		var fe *apperr.FieldError
		if errors.As(err, &fe) {
			fields = append(fields, *fe)
		}
	}
	return apperr.Validation(message, fields, nil)
}

func decodeError(err error) error {
	return apperr.Validation("malformed JSON body", []apperr.FieldError{{Field: "body", Message: err.Error()}}, err)
}
