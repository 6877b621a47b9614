// Package analysisrequest manages the approval workflow that sits
// upstream of job admission: a remote researcher's request to run a
// script must be approved before a Job row is ever created.
package analysisrequest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fednode/pkg/admission"
	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
)

// Manager tracks pending analysis requests and, on approval, hands the
// underlying job to admission.Controller.
type Manager struct {
	store      store.Store
	controller *admission.Controller
	ttl        time.Duration
}

// NewManager builds a Manager over its collaborators. ttl bounds how long
// a request may sit pending before the reconciler expires it; zero means
// requests never expire on their own.
func NewManager(st store.Store, controller *admission.Controller, ttl time.Duration) *Manager {
	return &Manager{store: st, controller: controller, ttl: ttl}
}

// Submit records a new pending request; it does not validate the script
// or touch the queue, both of which happen only on Approve.
func (m *Manager) Submit(catalogKey string, kind types.ScriptKind, content string, requester map[string]string) (*types.AnalysisRequest, error) {
	req := &types.AnalysisRequest{
		ID:            uuid.NewString(),
		CatalogID:     catalogKey,
		ScriptKind:    kind,
		ScriptContent: content,
		Status:        types.AnalysisRequestPending,
		SubmittedAt:   time.Now(),
		RequesterInfo: requester,
	}
	if m.ttl > 0 {
		expires := req.SubmittedAt.Add(m.ttl)
		req.ExpiresAt = &expires
	}
	if err := m.store.InsertAnalysisRequest(req); err != nil {
		return nil, fmt.Errorf("persist analysis request: %w", err)
	}
	return req, nil
}

// Approve transitions a pending request to approved and submits the
// underlying job through admission. The returned job's id is recorded
// back onto the request.
func (m *Manager) Approve(requestID string) (*types.Job, error) {
	req, err := m.store.GetAnalysisRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != types.AnalysisRequestPending {
		return nil, apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("request %s is %s, not pending", requestID, req.Status))
	}
	if req.ExpiresAt != nil && time.Now().After(*req.ExpiresAt) {
		now := time.Now()
		req.Status = types.AnalysisRequestExpired
		req.DecidedAt = &now
		_ = m.store.UpdateAnalysisRequest(req)
		return nil, apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("request %s expired at %s", requestID, req.ExpiresAt))
	}

	job, err := m.controller.Submit(admission.Submission{
		CatalogKey:        req.CatalogID,
		ScriptKind:        req.ScriptKind,
		ScriptContent:     req.ScriptContent,
		RequesterInfo:     req.RequesterInfo,
		AnalysisRequestID: req.ID,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req.Status = types.AnalysisRequestApproved
	req.DecidedAt = &now
	req.JobID = job.ID
	if err := m.store.UpdateAnalysisRequest(req); err != nil {
		return nil, fmt.Errorf("persist request decision: %w", err)
	}

	return job, nil
}

// Deny transitions a pending request to denied with a reason; no job is
// ever created for a denied request.
func (m *Manager) Deny(requestID, reason string) (*types.AnalysisRequest, error) {
	req, err := m.store.GetAnalysisRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != types.AnalysisRequestPending {
		return nil, apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("request %s is %s, not pending", requestID, req.Status))
	}

	now := time.Now()
	req.Status = types.AnalysisRequestDenied
	req.DecidedAt = &now
	req.DenyReason = reason
	if err := m.store.UpdateAnalysisRequest(req); err != nil {
		return nil, fmt.Errorf("persist request decision: %w", err)
	}
	return req, nil
}
