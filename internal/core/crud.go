package core

import (
	"context"

	"github.com/shashfrankenstien/self-scheduler/internal/storage"
	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

func (s *Service) CreateUser(ctx context.Context, email, name string) (storage.User, error) {
	if err := workspace.CheckUser(email); err != nil {
		return storage.User{}, err
	}
	return s.store.CreateUser(ctx, email, name)
}

func (s *Service) ListUsers(ctx context.Context) ([]storage.User, error) {
	return s.store.ListUsers(ctx)
}

// DeleteUser removes the user's rows (cascading to projects and schedules)
// and then every project directory.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	projects, err := s.store.ListProjectsFor(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	for _, p := range projects {
		s.removeDir(p)
	}
	return nil
}

// CreateProject inserts the row, writes the starter file and registers it
// as the default entry point.
func (s *Service) CreateProject(ctx context.Context, userID int64, name string) (storage.Project, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return storage.Project{}, err
	}
	if _, err := s.ws.ProjectRoot(u.Email, name); err != nil {
		return storage.Project{}, err
	}
	p, err := s.store.CreateProject(ctx, userID, name)
	if err != nil {
		return storage.Project{}, err
	}
	if _, err := s.ws.Ensure(p.OwnerEmail, p.Name); err != nil {
		_ = s.store.DeleteProject(context.WithoutCancel(ctx), p.ID)
		return storage.Project{}, err
	}
	if _, err := s.store.CreateEntryPoint(ctx, p.ID, workspace.StarterFile, workspace.StarterFunc, true); err != nil {
		return storage.Project{}, err
	}
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id int64) (storage.Project, error) {
	return s.store.GetProject(ctx, id)
}

func (s *Service) ListProjects(ctx context.Context, userID int64) ([]storage.Project, error) {
	return s.store.ListProjectsFor(ctx, userID)
}

// ProjectFiles lists the project's source tree.
func (s *Service) ProjectFiles(ctx context.Context, id int64) ([]workspace.Node, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	root, err := s.ws.ProjectRoot(p.OwnerEmail, p.Name)
	if err != nil {
		return nil, err
	}
	return workspace.Tree(root)
}

// DeleteProject removes the database rows first so no job can fire into a
// half deleted directory, then the directory.
func (s *Service) DeleteProject(ctx context.Context, id int64) error {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.removeDir(p)
	return nil
}

func (s *Service) removeDir(p storage.Project) {
	if err := s.ws.Remove(p.OwnerEmail, p.Name); err != nil {
		s.log.Warn("project directory not removed", logx.Int64("project_id", p.ID), logx.String("project", p.Name), logx.Err(err))
	}
}

func (s *Service) CreateEntryPoint(ctx context.Context, projectID int64, file, fn string, makeDefault bool) (storage.EntryPoint, error) {
	return s.store.CreateEntryPoint(ctx, projectID, file, fn, makeDefault)
}

func (s *Service) ListEntryPoints(ctx context.Context, projectID int64) ([]storage.EntryPoint, error) {
	return s.store.ListEntryPointsFor(ctx, projectID)
}

func (s *Service) SetDefaultEntryPoint(ctx context.Context, projectID, epID int64) error {
	return s.store.SetDefaultEntryPoint(ctx, projectID, epID)
}

func (s *Service) DeleteEntryPoint(ctx context.Context, id int64) error {
	return s.store.DeleteEntryPoint(ctx, id)
}
