package fanout

import "encoding/json"

// Envelope is the one message shape exchanged with every client: a named
// event with a structured payload and an optional reply token, matching
// spec.md §6's "message-oriented bidirectional channel" and §9's directive
// to recast the source's dynamic on/emit dispatch as typed events instead
// of string dispatch — the Type field selects a typed Payload on each side,
// it does not drive ad hoc branching deeper in the stack.
type Envelope struct {
	Type    string          `json:"type"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server command types (spec.md §4.E).
const (
	CmdTakeCrosspoint      = "take-crosspoint"
	CmdTakeMultiLevel      = "take-multi-level"
	CmdQueryCrosspoint     = "query-crosspoint"
	CmdSetLabel            = "set-label"
	CmdGetLabel            = "get-label"
	CmdGetAllLabels        = "get-all-labels"
	CmdCreateSalvo         = "create-salvo"
	CmdExecuteSalvo        = "execute-salvo"
	CmdGetAllSalvos        = "get-all-salvos"
	CmdGetStatus           = "get-status"
	CmdGetAllCrosspoints   = "get-all-crosspoints"
	CmdGetCrosspointsLevel = "get-crosspoints-by-level"
	CmdSubscribe           = "subscribe"
	CmdUnsubscribe         = "unsubscribe"
)

// Server-to-client broadcast event types (spec.md §4.E).
const (
	EvtCrosspointChange   = "crosspoint-change"
	EvtLabelChange        = "label-change"
	EvtSalvoChange        = "salvo-change"
	EvtRouterConnected    = "router-connected"
	EvtRouterDisconnected = "router-disconnected"
	EvtRouterError        = "router-error"
	EvtStatusUpdate       = "status-update"
	EvtCrosspointUpdate   = "crosspoint-update"
	EvtError              = "error"
)

func encode(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
