package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/controlroom/internal/events"
)

// SourceAPI is the event source of commands issued through the API.
const SourceAPI = "api"

// CommandRequest is the body of POST /modules/{name}/commands.
// A nil Payload means the module's default payload for the command.
type CommandRequest struct {
	Command string  `json:"command"`
	Payload *string `json:"payload,omitempty"`
}

// CommandResponse reports an accepted command.
type CommandResponse struct {
	Module  string `json:"module"`
	Command string `json:"command"`
	Payload string `json:"payload"`
	Status  string `json:"status"`
}

// handleListModules returns every module in registration order.
func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.Infos()
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": infos,
		"count":   len(infos),
	})
}

// handleGetModule returns a single module.
func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	conn, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeUnknownModule, "unknown module: "+name)
		return
	}
	writeJSON(w, http.StatusOK, conn.Info())
}

// handleSendCommand writes one command to a module.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	conn, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeUnknownModule, "unknown module: "+name)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}

	payload := conn.DefaultPayload(req.Command)
	if req.Payload != nil {
		payload = *req.Payload
	}

	if err := s.send(r, name, req.Command, payload); err != nil {
		s.writeSendError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CommandResponse{
		Module:  name,
		Command: req.Command,
		Payload: payload,
		Status:  "sent",
	})
}

// send issues a command through the registry and publishes command.sent
// on success.
func (s *Server) send(r *http.Request, target, cmd, payload string) error {
	if err := s.registry.Send(target, cmd, payload); err != nil {
		s.logger.Warn("command rejected",
			"module", target,
			"command", cmd,
			"caller", callerName(r.Context()),
			"error", err,
		)
		return err
	}

	e := events.New(events.KindCommandSent)
	e.Source = SourceAPI
	e.Target = target
	e.Command = cmd
	e.Payload = payload
	s.events.Publish(e)

	s.logger.Info("command sent",
		"module", target,
		"command", cmd,
		"caller", callerName(r.Context()),
	)
	return nil
}

// writeSendError maps registry errors onto HTTP statuses.
func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	status, code := sendErrorStatus(err)
	writeError(w, status, code, err.Error())
}

// decodeOptional decodes a JSON body into v, treating an empty body as {}.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
