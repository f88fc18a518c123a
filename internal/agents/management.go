package agents

import (
	"context"
	"log"
	"time"

	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
)

// newContentManagement builds the agent that schedules and publishes
// approved content.
func newContentManagement(deps Deps, cfg config.AgentConfig) *agent.Agent {
	a := agent.New(ContentManagement, deps.Bus, deps.Catalog, cfg)

	reg := deps.Bus.Registry()
	reg.Register(schema.Definition{
		Name: "schedule_content", Kind: schema.KindCommand, Owner: ContentManagement,
		Required: []string{"content_id", "publish_at"},
	})
	reg.Register(schema.Definition{
		Name: "publish_content", Kind: schema.KindCommand, Owner: ContentManagement,
		Required: []string{"content_id"},
	})

	a.Register("schedule_content", "content_scheduled", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		contentID := cmd.String("content_id")
		publishAt := cmd.String("publish_at")
		if _, err := time.Parse(time.RFC3339, publishAt); err != nil {
			return nil, errs.Newf(errs.KindValidation, "publish_at %q is not RFC 3339", publishAt)
		}
		if _, err := deps.Store.FindOne(ctx, "contents", map[string]any{"_id": contentID}); err != nil {
			return nil, err
		}
		if _, err := deps.Store.Store(ctx, "schedule", map[string]any{
			"content_id": contentID,
			"publish_at": publishAt,
			"status":     "pending",
		}); err != nil {
			return nil, err
		}
		return map[string]any{"content_id": contentID, "publish_at": publishAt}, nil
	})

	a.Register("publish_content", "content_published", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		contentID := cmd.String("content_id")
		if _, err := deps.Store.Update(ctx, "contents",
			map[string]any{"_id": contentID},
			map[string]any{"status": "published"}); err != nil {
			return nil, err
		}
		total, err := deps.Store.Incr(ctx, "published_total", 1)
		if err != nil {
			log.Printf("[%s] ⚠️ Publish counter: %v", ContentManagement, err)
		}
		return map[string]any{
			"content_id":      contentID,
			"status":          "published",
			"published_total": total,
		}, nil
	})

	a.SubscribeEvent("content_creation.content_approved", func(ctx context.Context, evt schema.Message) {
		if _, err := a.SendCommand(ctx, ContentManagement, "publish_content", map[string]any{
			"content_id": evt.String("content_id"),
		}, evt.ID); err != nil {
			log.Printf("[%s] ⚠️ Publish dispatch for %s failed: %v", ContentManagement, evt.String("content_id"), err)
		}
	})

	return a
}
