// Package admission implements agent intake: bundle inspection, manifest
// validation with fail-closed schema compilation, duplicate rejection, and
// per-call payload validation against the declared operation schemas.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hirebay/hirebay/pkg/bundle"
	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/schema"
	"github.com/hirebay/hirebay/pkg/store"
)

const (
	schemaSideInput  = "input"
	schemaSideOutput = "output"
)

// Service handles agent admission and per-call payload validation.
type Service struct {
	store     store.Store
	bundleDir string
	logger    *slog.Logger

	// compiled caches operation schemas. Manifests are immutable once the
	// agent row exists, so entries never go stale.
	mu       sync.Mutex
	compiled map[string]*schema.Schema
}

// NewService creates a new admission Service storing accepted bundles under
// bundleDir.
func NewService(st store.Store, bundleDir string) *Service {
	return &Service{
		store:     st,
		bundleDir: bundleDir,
		logger:    slog.With("component", "admission"),
		compiled:  make(map[string]*schema.Schema),
	}
}

// AdmitAgent validates and persists a submitted agent bundle.
//
// Steps:
//  1. Inspect the archive (structure, size bounds, content digest)
//  2. Parse the manifest: explicit manifestJSON wins, else the embedded manifest.json
//  3. Validate manifest shape and compile every operation schema fail-closed
//  4. Verify the entry point exists in the archive
//  5. Reject duplicate (name, version)
//  6. Persist the bundle to disk and the agent row with status=submitted
func (s *Service) AdmitAgent(ctx context.Context, bundleData, manifestJSON []byte) (*models.Agent, error) {
	b, err := bundle.Open(bundleData)
	if err != nil {
		return nil, err
	}

	raw := manifestJSON
	if len(raw) == 0 {
		embedded, ok := b.ManifestJSON()
		if !ok {
			return nil, fault.New(fault.CategoryValidation, fault.CodeManifestInvalid,
				"no manifest provided and bundle has no %s", bundle.ManifestFileName)
		}
		raw = embedded
	}

	manifest, err := models.ParseManifest(raw)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryValidation, fault.CodeManifestInvalid, "manifest rejected")
	}
	if err := manifest.Validate(); err != nil {
		return nil, fault.Wrap(err, fault.CategoryValidation, fault.CodeManifestInvalid, "manifest rejected")
	}
	if err := compileOperationSchemas(manifest); err != nil {
		return nil, err
	}
	if !b.HasFile(manifest.EntryPoint) {
		return nil, fault.New(fault.CategoryValidation, fault.CodeBundleRejected,
			"entry point %q not found in bundle", manifest.EntryPoint)
	}

	if _, err := s.store.Agents().GetByNameVersion(ctx, manifest.Name, manifest.Version); err == nil {
		return nil, fault.New(fault.CategoryValidation, fault.CodeDuplicateVersion,
			"agent %s version %s already exists", manifest.Name, manifest.Version)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "duplicate check failed")
	}

	bundlePath, err := b.Save(s.bundleDir)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "failed to persist bundle")
	}

	agent, err := s.store.Agents().Create(ctx, &models.Agent{
		Name:         manifest.Name,
		AgentVersion: manifest.Version,
		Kind:         manifest.Kind,
		Status:       models.AgentStatusSubmitted,
		CodeDigest:   b.Digest(),
		BundlePath:   bundlePath,
		Manifest:     manifest,
	})
	if err != nil {
		if errors.Is(err, store.ErrIntegrityViolation) {
			// Lost a race against a concurrent submission of the same version.
			return nil, fault.Wrap(err, fault.CategoryValidation, fault.CodeDuplicateVersion,
				"agent %s version %s already exists", manifest.Name, manifest.Version)
		}
		return nil, fault.Wrap(err, fault.CategoryInfrastructure, fault.CodeStoreUnavailable, "failed to persist agent")
	}

	s.logger.Info("Agent admitted",
		"agent_id", agent.ID,
		"name", agent.Name,
		"version", agent.AgentVersion,
		"kind", agent.Kind,
		"digest", agent.CodeDigest)

	return agent, nil
}

// ApproveAgent moves a submitted agent to approved. Approving an approved
// agent is a no-op; a rejected agent cannot be revived (creators republish
// as a new version).
func (s *Service) ApproveAgent(ctx context.Context, agentID int64) (*models.Agent, error) {
	return s.setStatus(ctx, agentID, models.AgentStatusApproved)
}

// RejectAgent moves a submitted agent to rejected. Rejecting a rejected
// agent is a no-op; rejecting an approved agent is forbidden.
func (s *Service) RejectAgent(ctx context.Context, agentID int64) (*models.Agent, error) {
	return s.setStatus(ctx, agentID, models.AgentStatusRejected)
}

func (s *Service) setStatus(ctx context.Context, agentID int64, to models.AgentStatus) (*models.Agent, error) {
	agent, err := s.store.Agents().Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == to {
		return agent, nil
	}
	if agent.Status != models.AgentStatusSubmitted {
		return nil, fault.New(fault.CategoryLifecycle, fault.CodeIllegalTransition,
			"agent %d is %s and cannot become %s", agentID, agent.Status, to)
	}

	agent.Status = to
	updated, err := s.store.Agents().Update(ctx, agent)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Agent status changed", "agent_id", agentID, "status", to)
	return updated, nil
}

// ValidateInput checks payload against the operation's declared input schema
// and returns it unchanged on success. Unknown fields are rejected.
func (s *Service) ValidateInput(ctx context.Context, agentID int64, operation string, payload []byte) ([]byte, error) {
	return s.validatePayload(ctx, agentID, operation, payload, schemaSideInput)
}

// ValidateOutput is symmetric to ValidateInput for the output schema.
func (s *Service) ValidateOutput(ctx context.Context, agentID int64, operation string, payload []byte) ([]byte, error) {
	return s.validatePayload(ctx, agentID, operation, payload, schemaSideOutput)
}

func (s *Service) validatePayload(ctx context.Context, agentID int64, operation string, payload []byte, side string) ([]byte, error) {
	agent, err := s.store.Agents().Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	compiled, err := s.compiledSchema(agent, operation, side)
	if err != nil {
		return nil, err
	}
	if err := compiled.ValidateStrict(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) compiledSchema(agent *models.Agent, operation, side string) (*schema.Schema, error) {
	key := fmt.Sprintf("%d/%s/%s", agent.ID, operation, side)

	s.mu.Lock()
	cached, ok := s.compiled[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	var raw json.RawMessage
	if side == schemaSideInput {
		raw, ok = agent.Manifest.InputSchema(operation)
	} else {
		raw, ok = agent.Manifest.OutputSchema(operation)
	}
	if !ok {
		return nil, fault.New(fault.CategoryValidation, fault.CodeUnknownOperation,
			"agent %d does not declare operation %q", agent.ID, operation)
	}

	compiled, err := schema.Compile(raw)
	if err != nil {
		return nil, fault.Wrap(err, fault.CategoryValidation, fault.CodeManifestInvalid,
			"operation %q %s schema rejected", operation, side)
	}

	s.mu.Lock()
	s.compiled[key] = compiled
	s.mu.Unlock()
	return compiled, nil
}

func compileOperationSchemas(m models.Manifest) error {
	for op, schemas := range m.Operations {
		if _, err := schema.Compile(schemas.InputSchema); err != nil {
			return fault.Wrap(err, fault.CategoryValidation, fault.CodeManifestInvalid,
				"operation %q input schema rejected", op)
		}
		if _, err := schema.Compile(schemas.OutputSchema); err != nil {
			return fault.Wrap(err, fault.CategoryValidation, fault.CodeManifestInvalid,
				"operation %q output schema rejected", op)
		}
	}
	return nil
}
