package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/workflow"
)

// bindWorkflowDocument decodes a WorkflowDefinition from the request body.
// Persisted workflow documents are the canonical JSON serialization of
// WorkflowDefinition (spec.md §6); a YAML content type is accepted as a
// wire alias for the same shape, for operators who keep workflow
// definitions as files.
func bindWorkflowDocument(c *gin.Context) (storage.WorkflowDefinition, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return storage.WorkflowDefinition{}, errs.Wrap(errs.InvalidArgument, "read request body", err)
	}
	var def storage.WorkflowDefinition
	if isYAML(c.ContentType()) {
		if err := yaml.Unmarshal(body, &def); err != nil {
			return storage.WorkflowDefinition{}, errs.Wrap(errs.InvalidArgument, "invalid workflow yaml", err)
		}
		return def, nil
	}
	if err := json.Unmarshal(body, &def); err != nil {
		return storage.WorkflowDefinition{}, errs.Wrap(errs.InvalidArgument, "invalid workflow json", err)
	}
	return def, nil
}

func isYAML(contentType string) bool {
	return strings.Contains(contentType, "yaml")
}

// handleCreateWorkflow implements the workflow REST surface's create
// operation.
func (s *Server) handleCreateWorkflow(c *gin.Context) {
	def, err := bindWorkflowDocument(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.workflows.Define(c.Request.Context(), def); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

// handleUpdateWorkflow implements the workflow REST surface's update
// operation. workflow.Service has no passthrough for it (Define always
// allocates a fresh id for a new definition), so this talks to the
// repository directly — there is no business rule attached to replacing a
// definition's mutable fields beyond the id staying put.
func (s *Server) handleUpdateWorkflow(c *gin.Context) {
	id, err := ids.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid workflow id", err))
		return
	}
	def, err := bindWorkflowDocument(c)
	if err != nil {
		writeError(c, err)
		return
	}
	def.ID = id
	if err := workflow.ValidateDefinition(def); err != nil {
		writeError(c, err)
		return
	}
	if err := s.workflowRepo.UpdateDefinition(c.Request.Context(), def); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleDeleteWorkflow(c *gin.Context) {
	id, err := ids.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid workflow id", err))
		return
	}
	if err := s.workflowRepo.DeleteDefinition(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	id, err := ids.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid workflow id", err))
		return
	}
	def, err := s.workflowRepo.GetDefinition(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// handleListWorkflows implements the workflow REST surface's "list
// workflows (with search/sort)" operation. ListDefinitions filters by
// owner only, since ownership is the one dimension storage already
// indexes; search (name substring) and sort are applied here, after the
// fetch, the way internal/chat's assemble() applies importance-then-
// recency ordering locally instead of pushing presentation-only concerns
// into the repository layer.
func (s *Server) handleListWorkflows(c *gin.Context) {
	var owner *storage.WorkflowOwner
	if slug := c.Query("owner_slug"); slug != "" {
		owner = &storage.WorkflowOwner{Type: storage.OwnerType(c.DefaultQuery("owner_type", "user")), Slug: slug}
	}
	defs, err := s.workflowRepo.ListDefinitions(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}

	if q := strings.ToLower(c.Query("search")); q != "" {
		filtered := defs[:0]
		for _, d := range defs {
			if strings.Contains(strings.ToLower(d.Name), q) {
				filtered = append(filtered, d)
			}
		}
		defs = filtered
	}

	switch c.DefaultQuery("sort", "name") {
	case "updated_at":
		sort.Slice(defs, func(i, j int) bool { return defs[i].UpdatedAt.After(defs[j].UpdatedAt) })
	case "created_at":
		sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt.After(defs[j].CreatedAt) })
	default:
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	}

	c.JSON(http.StatusOK, defs)
}

type triggerWorkflowRequest struct {
	Owner       storage.WorkflowOwner `json:"owner"`
	TriggerType storage.TriggerType   `json:"trigger_type"`
	Payload     map[string]any        `json:"payload"`
}

// handleTriggerWorkflow implements the workflow REST surface's "trigger
// run" operation by resolving the definition the same way workflow.Service
// itself does — by name + owner, not by id — since concurrency keys and
// cron triggers are already scoped that way throughout internal/workflow.
func (s *Server) handleTriggerWorkflow(c *gin.Context) {
	id, err := ids.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid workflow id", err))
		return
	}
	def, err := s.workflowRepo.GetDefinition(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	var req triggerWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid trigger request", err))
		return
	}
	if req.TriggerType == "" {
		req.TriggerType = storage.TriggerManual
	}
	owner := req.Owner
	if owner.Type == "" {
		owner = def.Owner
	}

	runID, err := s.workflows.Submit(c.Request.Context(), def.Name, owner, req.TriggerType, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

type approveRunRequest struct {
	StepID   string `json:"step_id" binding:"required"`
	Approved bool   `json:"approved"`
	Note     string `json:"note"`
}

func (s *Server) handleApproveRun(c *gin.Context) {
	runID, err := ids.Parse(c.Param("runID"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid run id", err))
		return
	}
	var req approveRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid approval request", err))
		return
	}
	if err := s.workflows.Approve(c.Request.Context(), runID, req.StepID, req.Approved, req.Note); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID, err := ids.Parse(c.Param("runID"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid run id", err))
		return
	}
	var req cancelRunRequest
	_ = c.ShouldBindJSON(&req) // an empty body is a valid cancel-with-no-reason
	if err := s.workflows.Cancel(c.Request.Context(), runID, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRunsForWorkflow(c *gin.Context) {
	id, err := ids.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid workflow id", err))
		return
	}
	runs, err := s.workflowRepo.ListRunsForDefinition(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

type runDetailResponse struct {
	storage.WorkflowRun
	StepLogs []storage.WorkflowStepLog `json:"step_logs"`
}

// handleGetRun implements the workflow REST surface's "get run detail
// (includes step logs)" operation.
func (s *Server) handleGetRun(c *gin.Context) {
	runID, err := ids.Parse(c.Param("runID"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid run id", err))
		return
	}
	run, err := s.workflowRepo.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}
	logs, err := s.workflowRepo.ListStepLogs(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runDetailResponse{WorkflowRun: run, StepLogs: logs})
}
