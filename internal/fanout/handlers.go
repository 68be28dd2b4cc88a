package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/proswitch/swp08gw/internal/label"
	"github.com/proswitch/swp08gw/internal/logging"
	"github.com/proswitch/swp08gw/internal/router"
	"github.com/proswitch/swp08gw/internal/salvo"
)

// dispatch interprets one inbound client command. Unknown types are logged
// and ignored, matching spec.md §6: a malformed/unrecognised message is
// locally recoverable and never disconnects the client.
func (s *Server) dispatch(cl *Client, env Envelope) {
	switch env.Type {
	case CmdTakeCrosspoint:
		s.handleTakeCrosspoint(cl, env)
	case CmdTakeMultiLevel:
		s.handleTakeMultiLevel(cl, env)
	case CmdQueryCrosspoint:
		s.handleQueryCrosspoint(cl, env)
	case CmdSetLabel:
		s.handleSetLabel(cl, env)
	case CmdGetLabel:
		s.handleGetLabel(cl, env)
	case CmdGetAllLabels:
		s.handleGetAllLabels(cl, env)
	case CmdCreateSalvo:
		s.handleCreateSalvo(cl, env)
	case CmdExecuteSalvo:
		s.handleExecuteSalvo(cl, env)
	case CmdGetAllSalvos:
		s.handleGetAllSalvos(cl, env)
	case CmdGetStatus:
		s.handleGetStatus(cl, env)
	case CmdGetAllCrosspoints:
		s.handleGetAllCrosspoints(cl, env)
	case CmdGetCrosspointsLevel:
		s.handleGetCrosspointsByLevel(cl, env)
	case CmdSubscribe:
		cl.SetSubscribed(true)
	case CmdUnsubscribe:
		cl.SetSubscribed(false)
	default:
		logging.L().Debug("fanout_unknown_command", "client_id", cl.ID, "type", env.Type)
	}
}

func (s *Server) reply(cl *Client, replyTo, typ string, payload any) {
	s.send(cl, Envelope{Type: typ, ReplyTo: replyTo, Payload: encode(payload)})
}

func (s *Server) replyError(cl *Client, replyTo, command string, err error) {
	s.send(cl, Envelope{Type: EvtError, ReplyTo: replyTo, Payload: encode(ErrorPayload{Command: command, Message: err.Error()})})
}

func (s *Server) send(cl *Client, env Envelope) {
	select {
	case cl.Out <- env:
	case <-cl.Closed:
	default:
		// Slow client on a direct reply: drop rather than block the reader.
	}
}

func (s *Server) handleTakeCrosspoint(cl *Client, env Envelope) {
	var p TakeCrosspointPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdTakeCrosspoint, err)
		return
	}
	if err := s.Router.Take(p.Matrix, p.Level, p.Destination, p.Source); err != nil {
		s.replyError(cl, env.ReplyTo, CmdTakeCrosspoint, err)
		return
	}
	s.reply(cl, env.ReplyTo, CmdTakeCrosspoint, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleTakeMultiLevel(cl *Client, env Envelope) {
	var p TakeMultiLevelPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdTakeMultiLevel, err)
		return
	}
	if err := s.Router.TakeMulti(p.Matrix, p.Levels, p.Destination, p.Source); err != nil {
		s.replyError(cl, env.ReplyTo, CmdTakeMultiLevel, err)
		return
	}
	s.reply(cl, env.ReplyTo, CmdTakeMultiLevel, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleQueryCrosspoint(cl *Client, env Envelope) {
	var p QueryCrosspointPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdQueryCrosspoint, err)
		return
	}
	st, ok := s.Router.Get(p.Matrix, p.Level, p.Destination)
	if !ok {
		s.replyError(cl, env.ReplyTo, CmdQueryCrosspoint, errNotCached)
		return
	}
	s.reply(cl, env.ReplyTo, CmdQueryCrosspoint, crosspointPayload(st))
}

func (s *Server) handleGetAllCrosspoints(cl *Client, env Envelope) {
	states := s.Router.GetAll()
	out := make([]CrosspointPayload, len(states))
	for i, st := range states {
		out[i] = crosspointPayload(st)
	}
	s.reply(cl, env.ReplyTo, CmdGetAllCrosspoints, out)
}

func (s *Server) handleGetCrosspointsByLevel(cl *Client, env Envelope) {
	var p CrosspointsByLevelPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdGetCrosspointsLevel, err)
		return
	}
	states := s.Router.GetByLevel(p.Matrix, p.Level)
	out := make([]CrosspointPayload, len(states))
	for i, st := range states {
		out[i] = crosspointPayload(st)
	}
	s.reply(cl, env.ReplyTo, CmdGetCrosspointsLevel, out)
}

func (s *Server) handleSetLabel(cl *Client, env Envelope) {
	var p SetLabelPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdSetLabel, err)
		return
	}
	k := label.Key{Type: labelType(p.Type), Matrix: p.Matrix, Level: p.Level, Index: p.Index}
	s.Labels.Set(k, p.Value)
	s.reply(cl, env.ReplyTo, CmdSetLabel, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleGetLabel(cl *Client, env Envelope) {
	var p GetLabelPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdGetLabel, err)
		return
	}
	k := label.Key{Type: labelType(p.Type), Matrix: p.Matrix, Level: p.Level, Index: p.Index}
	v, ok := s.Labels.Get(k)
	if !ok {
		s.replyError(cl, env.ReplyTo, CmdGetLabel, errNotFound)
		return
	}
	s.reply(cl, env.ReplyTo, CmdGetLabel, labelPayload(k, v))
}

func (s *Server) handleGetAllLabels(cl *Client, env Envelope) {
	all := s.Labels.All()
	out := make([]LabelPayload, 0, len(all))
	for k, v := range all {
		out = append(out, labelPayload(k, v))
	}
	s.reply(cl, env.ReplyTo, CmdGetAllLabels, out)
}

func (s *Server) handleCreateSalvo(cl *Client, env Envelope) {
	var p CreateSalvoPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdCreateSalvo, err)
		return
	}
	entries := make([]salvo.Entry, len(p.Entries))
	for i, e := range p.Entries {
		entries[i] = salvo.Entry{Destination: e.Destination, Source: e.Source, Level: e.Level}
	}
	sv := s.Salvos.Create(p.Name, entries)
	s.reply(cl, env.ReplyTo, CmdCreateSalvo, salvoPayload(sv))
}

func (s *Server) handleGetAllSalvos(cl *Client, env Envelope) {
	all := s.Salvos.All()
	out := make([]SalvoPayload, len(all))
	for i, sv := range all {
		out[i] = salvoPayload(sv)
	}
	s.reply(cl, env.ReplyTo, CmdGetAllSalvos, out)
}

// handleExecuteSalvo fans out one Take per salvo entry as concurrent calls
// on the router and replies once every one has been enqueued, not once
// their tallies return (those arrive later as crosspoint-change broadcasts),
// matching spec.md §4.E exactly.
func (s *Server) handleExecuteSalvo(cl *Client, env Envelope) {
	var p ExecuteSalvoPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.replyError(cl, env.ReplyTo, CmdExecuteSalvo, err)
		return
	}
	sv, err := s.Salvos.Get(p.ID)
	if err != nil {
		s.replyError(cl, env.ReplyTo, CmdExecuteSalvo, err)
		return
	}
	// Salvo entries carry no matrix (spec.md §3: "list of (destination,
	// source, level)"); like the reconciliation dump requests in
	// internal/router, matrix 0 is the only matrix this process addresses.
	done := make(chan error, len(sv.Entries))
	for _, e := range sv.Entries {
		go func(e salvo.Entry) {
			done <- s.Router.Take(0, e.Level, e.Destination, e.Source)
		}(e)
	}
	for range sv.Entries {
		<-done
	}
	s.reply(cl, env.ReplyTo, CmdExecuteSalvo, struct {
		OK      bool `json:"ok"`
		Entries int  `json:"entries"`
	}{true, len(sv.Entries)})
}

func (s *Server) handleGetStatus(cl *Client, env Envelope) {
	s.statusMu.RLock()
	p := StatusPayload{
		Connected:       s.connected,
		ConnectionType:  s.connectionType,
		CrosspointCount: s.Router.Size(),
		LastUpdate:      s.lastUpdate,
	}
	s.statusMu.RUnlock()
	s.reply(cl, env.ReplyTo, CmdGetStatus, p)
}

func labelType(s string) label.Type {
	if s == "destination" {
		return label.Destination
	}
	return label.Source
}

var errNotCached = errors.New("crosspoint not cached")
var errNotFound = errors.New("label not found")

// forwardRouterEvents re-broadcasts router.Router events to subscribed
// clients and keeps the connection-status fields get-status reads.
func (s *Server) forwardRouterEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.Router.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case router.CrosspointChange:
				s.statusMu.Lock()
				s.lastUpdate = time.Now()
				s.statusMu.Unlock()
				s.Hub.Broadcast(Envelope{Type: EvtCrosspointChange, Payload: encode(crosspointPayload(ev.State))})
			case router.RouterConnected:
				s.statusMu.Lock()
				s.connected = true
				s.statusMu.Unlock()
				s.Hub.Broadcast(Envelope{Type: EvtRouterConnected})
			case router.RouterDisconnected:
				s.statusMu.Lock()
				s.connected = false
				s.statusMu.Unlock()
				s.Hub.Broadcast(Envelope{Type: EvtRouterDisconnected})
			case router.RouterError:
				msg := ""
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				s.Hub.Broadcast(Envelope{Type: EvtRouterError, Payload: encode(ErrorPayload{Message: msg})})
			}
		}
	}
}

func (s *Server) forwardLabelEvents(ctx context.Context) {
	ch := s.Labels.Subscribe(64)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			s.Hub.Broadcast(Envelope{Type: EvtLabelChange, Payload: encode(labelPayload(ev.Key, ev.Value))})
		}
	}
}

func (s *Server) forwardSalvoEvents(ctx context.Context) {
	ch := s.Salvos.Subscribe(64)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			s.Hub.Broadcast(Envelope{Type: EvtSalvoChange, Payload: encode(salvoPayload(ev.Salvo))})
		}
	}
}

// statusLoop emits a periodic status-update broadcast every 5s, per
// spec.md §4.E.
func (s *Server) statusLoop(ctx context.Context) {
	t := time.NewTicker(statusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.statusMu.RLock()
			p := StatusPayload{
				Connected:       s.connected,
				ConnectionType:  s.connectionType,
				CrosspointCount: s.Router.Size(),
				LastUpdate:      s.lastUpdate,
			}
			s.statusMu.RUnlock()
			s.Hub.Broadcast(Envelope{Type: EvtStatusUpdate, Payload: encode(p)})
		}
	}
}
