// Package httpapi implements the orchestrator's thin JSON HTTP surface (the
// eleven endpoints of spec.md section 6), routed with chi the way the teacher's
// cmd/server/main.go wires chi + chi/middleware + go-chi/cors, and the
// resolve handler's shape grounded on internal/proxy/bot_proxy.go.
package httpapi

import (
	"time"

	"codearena/internal/enum"
	"codearena/internal/store"
)

// modelSpec is one (provider, model) pair in a session-creation request.
type modelSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type createSessionRequest struct {
	Prompt string      `json:"prompt"`
	Models []modelSpec `json:"models"`
}

type createSessionResponse struct {
	SessionID string   `json:"sessionId"`
	RunIDs    []string `json:"runIds"`
}

// runPatchRequest is the partial-update body accepted by PATCH
// /api/runs/{id}. Every field is optional; a present field overwrites, an
// absent one is left untouched, mirroring store.RunUpdate's merge semantics.
type runPatchRequest struct {
	Status      *string    `json:"status,omitempty"`
	Port        *int       `json:"port,omitempty"`
	ContainerID *string    `json:"containerId,omitempty"`
	InternalURL *string    `json:"internalUrl,omitempty"`
	Error       *string    `json:"error,omitempty"`
	InstallLog  *string    `json:"installLog,omitempty"`
	BuildLog    *string    `json:"buildLog,omitempty"`
	StartLog    *string    `json:"startLog,omitempty"`
	ErrorLog    *string    `json:"errorLog,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (p runPatchRequest) toStoreUpdate() store.RunUpdate {
	u := store.RunUpdate{
		Port:        p.Port,
		ContainerID: p.ContainerID,
		InternalURL: p.InternalURL,
		Error:       p.Error,
		InstallLog:  p.InstallLog,
		BuildLog:    p.BuildLog,
		StartLog:    p.StartLog,
		ErrorLog:    p.ErrorLog,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
	if p.Status != nil {
		status := enum.RunStatus(*p.Status)
		u.Status = &status
	}
	return u
}

// runView is store.Run reshaped for the wire: JSON field names match
// spec.md's data model vocabulary rather than Go's exported-field casing.
type runView struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"sessionId"`
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Status      string  `json:"status"`
	Port        *int    `json:"port,omitempty"`
	ContainerID string  `json:"containerId,omitempty"`
	InternalURL string  `json:"internalUrl,omitempty"`
	PublicURL   string  `json:"publicUrl,omitempty"`
	Error       string  `json:"error,omitempty"`
	InstallLog  string  `json:"installLog,omitempty"`
	BuildLog    string  `json:"buildLog,omitempty"`
	StartLog    string  `json:"startLog,omitempty"`
	ErrorLog    string  `json:"errorLog,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	StartedAt   *string `json:"startedAt,omitempty"`
	CompletedAt *string `json:"completedAt,omitempty"`
	UpdatedAt   string  `json:"updatedAt"`
}

func newRunView(r store.Run, previewDomain string) runView {
	v := runView{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Provider:    string(r.Provider),
		Model:       r.Model,
		Status:      string(r.Status),
		Port:        r.Port,
		ContainerID: r.ContainerID,
		InternalURL: r.InternalURL,
		Error:       r.Error,
		InstallLog:  r.InstallLog,
		BuildLog:    r.BuildLog,
		StartLog:    r.StartLog,
		ErrorLog:    r.ErrorLog,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Status == enum.RunStatusReady {
		v.PublicURL = "https://" + r.ID + "." + previewDomain
	}
	if r.StartedAt != nil {
		s := r.StartedAt.Format(time.RFC3339)
		v.StartedAt = &s
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(time.RFC3339)
		v.CompletedAt = &s
	}
	return v
}

type sessionView struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	CreatedAt string    `json:"createdAt"`
	UpdatedAt string    `json:"updatedAt"`
	Runs      []runView `json:"runs"`
}

func newSessionView(sv store.SessionView, previewDomain string) sessionView {
	out := sessionView{
		ID:        sv.ID,
		Prompt:    sv.Prompt,
		CreatedAt: sv.CreatedAt.Format(time.RFC3339),
		UpdatedAt: sv.UpdatedAt.Format(time.RFC3339),
		Runs:      make([]runView, 0, len(sv.Runs)),
	}
	for _, r := range sv.Runs {
		out.Runs = append(out.Runs, newRunView(r, previewDomain))
	}
	return out
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type logsResponse struct {
	Logs string `json:"logs"`
}

type resolveResponse struct {
	URL string `json:"url"`
}

type statsResponse struct {
	ActiveContainers int `json:"activeContainers"`
	RegisteredRuns   int `json:"registeredRuns"`
}
