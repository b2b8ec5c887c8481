package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/walker/internal/model"
	"github.com/seantiz/walker/internal/store"
)

// DefaultScriptLanguage is stored when a script does not name its language.
const DefaultScriptLanguage = "shell"

// CreateScriptRequest is the input of CreateScript.
type CreateScriptRequest struct {
	Name     string
	Body     string
	Language string
}

// CreateScript stores a script artifact owned by the caller.
func (s *Service) CreateScript(ctx context.Context, id model.Identity, req CreateScriptRequest) (*model.Script, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.TrimSpace(req.Body) == "" {
		return nil, invalid("script", ErrScriptInvalid)
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = DefaultScriptLanguage
	}

	sc := &model.Script{
		ID:        model.NewID(),
		OwnerID:   id.UserID,
		Name:      name,
		Body:      req.Body,
		Language:  lang,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateScript(ctx, sc); err != nil {
		return nil, fmt.Errorf("create script: %w", err)
	}
	return sc, nil
}

// ListScripts returns the caller's scripts.
func (s *Service) ListScripts(ctx context.Context, id model.Identity) ([]*model.Script, error) {
	scripts, err := s.store.ListScripts(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	if scripts == nil {
		scripts = []*model.Script{}
	}
	return scripts, nil
}

// GetScript returns a script the caller owns.
func (s *Service) GetScript(ctx context.Context, id model.Identity, scriptID string) (*model.Script, error) {
	sc, err := s.store.GetOwnedScript(ctx, scriptID, id.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, scriptID)
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	return sc, nil
}
