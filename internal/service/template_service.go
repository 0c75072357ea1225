package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mailer-service/internal/models"
)

// TemplateService reads templates cache-aside over the Redis hash.
type TemplateService struct {
	store  TemplateStore
	cache  TemplateCache
	logger *zap.Logger
}

func NewTemplateService(store TemplateStore, cache TemplateCache, logger *zap.Logger) *TemplateService {
	return &TemplateService{store: store, cache: cache, logger: logger}
}

func (s *TemplateService) List(ctx context.Context, uid int64) ([]models.Template, error) {
	cached, ok, err := s.cache.GetAll(ctx, uid)
	if err != nil {
		s.logger.Warn("Template cache read failed, using durable store", zap.Int64("uid", uid), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	templates, err := s.store.ListByUser(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	if err := s.cache.Put(ctx, uid, templates...); err != nil {
		s.logger.Warn("Failed to repopulate template cache", zap.Int64("uid", uid), zap.Error(err))
	}
	return templates, nil
}

func (s *TemplateService) Add(ctx context.Context, uid int64, key, body string) (*models.Template, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: t_key and t_body are required", ErrInvalidInput)
	}

	t := &models.Template{UID: uid, TKey: key, TBody: body}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	// A partial hash would read as a complete hit, so the next read reloads instead.
	if err := s.cache.Invalidate(ctx, uid); err != nil {
		s.logger.Warn("Failed to invalidate template cache", zap.Int64("uid", uid), zap.Error(err))
	}
	return t, nil
}
