package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"opencami/internal/domain"
)

// DefaultModels is served when the gateway is unreachable and nothing is cached.
var DefaultModels = []domain.Model{
	{ID: "default", Name: "Gateway default", Provider: "gateway"},
}

// ModelsService lists the models the gateway offers, degrading to the last
// good answer and then to DefaultModels.
type ModelsService struct {
	rpc    RPC
	cache  domain.PayloadCache
	logger *slog.Logger
}

// NewModelsService creates a ModelsService. cache may be nil.
func NewModelsService(rpc RPC, cache domain.PayloadCache, logger *slog.Logger) *ModelsService {
	return &ModelsService{rpc: rpc, cache: cache, logger: logger}
}

// List never fails; the Source field tells where the list came from.
func (s *ModelsService) List(ctx context.Context) domain.ModelsResult {
	payload, err := s.rpc.Call(ctx, MethodModelsList, nil)
	if err == nil {
		var models []domain.Model
		if models, err = parseModels(payload); err == nil {
			s.remember(ctx, payload)
			return domain.ModelsResult{OK: true, Models: models, Source: domain.SourceGateway}
		}
	}

	s.logger.Warn("models list unavailable, degrading", "error", err, "code", domain.ErrorCodeOf(err))
	if res, ok := s.fromCache(ctx); ok {
		res.Error = err.Error()
		return res
	}
	return domain.ModelsResult{
		OK:     true,
		Models: append([]domain.Model(nil), DefaultModels...),
		Source: domain.SourceFallback,
		Error:  err.Error(),
	}
}

func (s *ModelsService) remember(ctx context.Context, payload json.RawMessage) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, MethodModelsList, payload); err != nil {
		s.logger.Warn("models cache write failed", "error", err)
	}
}

func (s *ModelsService) fromCache(ctx context.Context) (domain.ModelsResult, bool) {
	if s.cache == nil {
		return domain.ModelsResult{}, false
	}
	entry, ok, err := s.cache.Get(ctx, MethodModelsList)
	if err != nil {
		s.logger.Warn("models cache read failed", "error", err)
		return domain.ModelsResult{}, false
	}
	if !ok {
		return domain.ModelsResult{}, false
	}
	models, err := parseModels(entry.Payload)
	if err != nil {
		return domain.ModelsResult{}, false
	}
	storedAt := entry.StoredAt
	return domain.ModelsResult{OK: true, Models: models, Source: domain.SourceCache, CachedAt: &storedAt}, true
}

// parseModels accepts {"models":[...]} or a bare array. Entries without an id
// are dropped.
func parseModels(payload json.RawMessage) ([]domain.Model, error) {
	var wrapped struct {
		Models []domain.Model `json:"models"`
	}
	var list []domain.Model
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Models != nil {
		list = wrapped.Models
	} else if err := json.Unmarshal(payload, &list); err != nil {
		return nil, domain.NewDomainError("Models.Parse", domain.ErrInvalidInput, fmt.Sprintf("unexpected models payload: %.80s", payload))
	}

	out := make([]domain.Model, 0, len(list))
	for _, m := range list {
		if m.ID != "" {
			out = append(out, m)
		}
	}
	return out, nil
}
