package tool

// Content block kinds understood by the relay.
const (
	ContentText  = "text"
	ContentImage = "image"
)

// ContentBlock is one typed piece of a tool result. Optional fields are
// pointers so validation can tell a missing field from an empty one.
type ContentBlock struct {
	Type     string  `json:"type"`
	Text     *string `json:"text,omitempty"`
	Data     *string `json:"data,omitempty"`
	MimeType *string `json:"mimeType,omitempty"`
}

// Result holds the ordered content blocks produced by the executor.
type Result struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Response correlates to the Request with the same code and id.
type Response struct {
	Code   string `json:"code"`
	ID     string `json:"id"`
	Result Result `json:"result"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: &text}
}

// Texts returns the text of every text block in order.
func (r Result) Texts() []string {
	out := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if block.Type == ContentText && block.Text != nil {
			out = append(out, *block.Text)
		}
	}
	return out
}
