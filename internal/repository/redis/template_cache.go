package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/client"
	"mailer-service/internal/models"
	"mailer-service/internal/util"
)

const (
	templatePrefix = "templates:"
	templateTTL    = 24 * time.Hour
)

func TemplateKey(uid int64) string { return templatePrefix + strconv.FormatInt(uid, 10) }

// TemplateCache stores a user's templates in a hash keyed by template_id.
type TemplateCache struct {
	client *client.RedisClient
}

func NewTemplateCache(client *client.RedisClient) *TemplateCache {
	return &TemplateCache{client: client}
}

// GetAll returns the cached templates ordered by id; ok is false on a miss.
func (c *TemplateCache) GetAll(ctx context.Context, uid int64) ([]models.Template, bool, error) {
	ctx, cancel := c.client.WithContext(ctx, opTimeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, TemplateKey(uid))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read template cache: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	templates := make([]models.Template, 0, len(fields))
	for field, raw := range fields {
		var t models.Template
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			util.Warn("Dropping corrupt template cache entry",
				zap.Int64("uid", uid), zap.String("field", field), zap.Error(err))
			continue
		}
		templates = append(templates, t)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].TemplateID < templates[j].TemplateID })
	return templates, true, nil
}

// Put writes templates into the hash and slides the TTL.
func (c *TemplateCache) Put(ctx context.Context, uid int64, templates ...models.Template) error {
	if len(templates) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(templates)*2)
	for _, t := range templates {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode template %d: %w", t.TemplateID, err)
		}
		values = append(values, strconv.FormatInt(t.TemplateID, 10), string(b))
	}

	ctx, cancel := c.client.WithContext(ctx, opTimeout)
	defer cancel()

	key := TemplateKey(uid)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, templateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write template cache: %w", err)
	}
	return nil
}

func (c *TemplateCache) Invalidate(ctx context.Context, uid int64) error {
	ctx, cancel := c.client.WithContext(ctx, opTimeout)
	defer cancel()
	return c.client.Del(ctx, TemplateKey(uid))
}
