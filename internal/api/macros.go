package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/controlroom/internal/infrastructure/config"
)

// MacroRunRequest is the optional body of POST /macros/{name}/run.
// Payload, when set, replaces the payload of every step.
type MacroRunRequest struct {
	Payload *string `json:"payload,omitempty"`
}

// MacroStepResult is the outcome of one macro step.
type MacroStepResult struct {
	Module  string `json:"module"`
	Command string `json:"command"`
	Payload string `json:"payload"`
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MacroRunResponse reports every step of a macro run.
type MacroRunResponse struct {
	Macro  string            `json:"macro"`
	Steps  []MacroStepResult `json:"steps"`
	Sent   int               `json:"sent"`
	Failed int               `json:"failed"`
}

// handleListMacros returns the configured macros in config order.
func (s *Server) handleListMacros(w http.ResponseWriter, _ *http.Request) {
	macros := make([]config.MacroConfig, 0, len(s.macroOrder))
	for _, name := range s.macroOrder {
		macros = append(macros, s.macros[name])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"macros": macros,
		"count":  len(macros),
	})
}

// handleRunMacro issues every step of a macro in order. A failed step does
// not stop later steps. The response is 202 when every step was sent and
// 207 otherwise.
func (s *Server) handleRunMacro(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	macro, ok := s.macros[name]
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeUnknownMacro, "unknown macro: "+name)
		return
	}

	var req MacroRunRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	resp := MacroRunResponse{
		Macro: name,
		Steps: make([]MacroStepResult, 0, len(macro.Steps)),
	}
	for _, step := range macro.Steps {
		payload := s.stepPayload(macro, step, req.Payload)
		result := MacroStepResult{
			Module:  step.Module,
			Command: step.Command,
			Payload: payload,
			Status:  "sent",
		}
		if err := s.send(r, step.Module, step.Command, payload); err != nil {
			_, code := sendErrorStatus(err)
			result.Status = "failed"
			result.Code = code
			result.Error = err.Error()
			resp.Failed++
		} else {
			resp.Sent++
		}
		resp.Steps = append(resp.Steps, result)
	}

	status := http.StatusAccepted
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// stepPayload picks, in order: the request override, the step payload, the
// macro default, then the module's default payload for the command.
func (s *Server) stepPayload(macro config.MacroConfig, step config.MacroStep, override *string) string {
	switch {
	case override != nil:
		return *override
	case step.Payload != "":
		return step.Payload
	case macro.DefaultPayload != "":
		return macro.DefaultPayload
	}
	if conn, ok := s.registry.Get(step.Module); ok {
		return conn.DefaultPayload(step.Command)
	}
	return ""
}
