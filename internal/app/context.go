package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/domain"
	"taskloom/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project +
// config exist in the store, seeding defaults if missing. It prefers an
// explicit override, then the single project in the DB. A missing project is
// created on the fly with the acting user as owner.
func ResolveProjectAndConfig(ctx context.Context, projectOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	seedCfg := config.Default(projectID)

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// createProject inserts a minimal project footprint with the seed config's
// status set and the acting user as owner.
func createProject(ctx context.Context, r repo.Repo, projectID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Project{
		ID:        projectID,
		Name:      projectID,
		Statuses:  seedCfg.Statuses,
		CreatorID: actorID,
		CreatedAt: now,
	}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertMember(ctx, tx, domain.Member{
		ProjectID: projectID,
		UserID:    actorID,
		Role:      "owner",
		AddedAt:   now,
	}); err != nil {
		return fmt.Errorf("add owner: %w", err)
	}
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, seedCfg); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	return tx.Commit()
}
