package tool

import "encoding/json"

// Request is a tool call addressed to the browser worker of one session.
type Request struct {
	Code string          `json:"code"`
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Delivery is the payload of a streamed tool-request event. The code is
// implied by the stream it travels on.
type Delivery struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Delivery strips the session code for stream emission.
func (r Request) Delivery() Delivery {
	return Delivery{ID: r.ID, Tool: r.Tool, Args: r.Args}
}
