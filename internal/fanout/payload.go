package fanout

import (
	"time"

	"github.com/proswitch/swp08gw/internal/label"
	"github.com/proswitch/swp08gw/internal/salvo"
	"github.com/proswitch/swp08gw/internal/swp08"
)

// Payload shapes for each command/event, matching spec.md §4.E's "obvious
// payload" per command.

type TakeCrosspointPayload struct {
	Matrix      byte `json:"matrix"`
	Level       byte `json:"level"`
	Destination int  `json:"destination"`
	Source      int  `json:"source"`
}

type TakeMultiLevelPayload struct {
	Matrix      byte  `json:"matrix"`
	Levels      []byte `json:"levels"`
	Destination int   `json:"destination"`
	Source      int   `json:"source"`
}

type QueryCrosspointPayload struct {
	Matrix      byte `json:"matrix"`
	Level       byte `json:"level"`
	Destination int  `json:"destination"`
}

type CrosspointsByLevelPayload struct {
	Matrix byte `json:"matrix"`
	Level  byte `json:"level"`
}

type SetLabelPayload struct {
	Type   string `json:"type"`
	Matrix byte   `json:"matrix"`
	Level  byte   `json:"level"`
	Index  int    `json:"index"`
	Value  string `json:"value"`
}

type GetLabelPayload struct {
	Type   string `json:"type"`
	Matrix byte   `json:"matrix"`
	Level  byte   `json:"level"`
	Index  int    `json:"index"`
}

type SalvoEntryPayload struct {
	Destination int  `json:"destination"`
	Source      int  `json:"source"`
	Level       byte `json:"level"`
}

type CreateSalvoPayload struct {
	Name    string              `json:"name"`
	Entries []SalvoEntryPayload `json:"entries"`
}

type ExecuteSalvoPayload struct {
	ID int `json:"id"`
}

// CrosspointPayload is the wire shape of one cached crosspoint.
type CrosspointPayload struct {
	Matrix       byte      `json:"matrix"`
	Level        byte      `json:"level"`
	Destination  int       `json:"destination"`
	Source       int       `json:"source"`
	Status       string    `json:"status"`
	SourceStatus bool      `json:"sourceStatus"`
	LastUpdate   time.Time `json:"lastUpdate"`
}

func crosspointPayload(st swp08.CrosspointState) CrosspointPayload {
	return CrosspointPayload{
		Matrix:       st.Address.Matrix,
		Level:        st.Address.Level,
		Destination:  st.Address.Destination,
		Source:       st.Address.Source,
		Status:       st.Status.String(),
		SourceStatus: st.SourceStatus,
		LastUpdate:   st.LastUpdate,
	}
}

// LabelPayload is the wire shape of one label entry.
type LabelPayload struct {
	Type   string `json:"type"`
	Matrix byte   `json:"matrix"`
	Level  byte   `json:"level"`
	Index  int    `json:"index"`
	Value  string `json:"value"`
}

func labelPayload(k label.Key, v string) LabelPayload {
	return LabelPayload{Type: k.Type.String(), Matrix: k.Matrix, Level: k.Level, Index: k.Index, Value: v}
}

// SalvoPayload is the wire shape of one salvo record.
type SalvoPayload struct {
	ID      int                 `json:"id"`
	Name    string              `json:"name"`
	Entries []SalvoEntryPayload `json:"entries"`
}

func salvoPayload(sv salvo.Salvo) SalvoPayload {
	entries := make([]SalvoEntryPayload, len(sv.Entries))
	for i, e := range sv.Entries {
		entries[i] = SalvoEntryPayload{Destination: e.Destination, Source: e.Source, Level: e.Level}
	}
	return SalvoPayload{ID: sv.ID, Name: sv.Name, Entries: entries}
}

// StatusPayload answers get-status: spec.md §4.E's
// {connected, connectionType, crosspointCount, lastUpdate}.
type StatusPayload struct {
	Connected       bool      `json:"connected"`
	ConnectionType  string    `json:"connectionType"`
	CrosspointCount int       `json:"crosspointCount"`
	LastUpdate      time.Time `json:"lastUpdate"`
}

// ErrorPayload carries a message and originating command for router-error
// and the generic error reply.
type ErrorPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
}
