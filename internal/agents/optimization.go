package agents

import (
	"context"
	"log"

	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/schema"
)

// newOptimization builds the agent producing SEO recommendations and
// optimized variants for approved content.
func newOptimization(deps Deps, cfg config.AgentConfig) *agent.Agent {
	a := agent.New(Optimization, deps.Bus, deps.Catalog, cfg)

	reg := deps.Bus.Registry()
	reg.Register(schema.Definition{
		Name: "analyze_seo", Kind: schema.KindCommand, Owner: Optimization,
		Required: []string{"content_id"},
	})
	reg.Register(schema.Definition{
		Name: "seo_recommendations", Kind: schema.KindEvent,
		Required: []string{"content_id"},
	})

	a.Register("analyze_seo", "seo_recommendations", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		contentID := cmd.String("content_id")
		content, err := deps.Store.FindOne(ctx, "contents", map[string]any{"_id": contentID})
		if err != nil {
			return nil, err
		}
		body, _ := content["body"].(string)

		var recommendations []string
		if mod, ok := a.Modules().Get("seo_optimizer"); ok {
			if opt, ok := mod.(*SEOOptimizer); ok {
				recommendations = opt.Recommend(body, content["keywords"])
			}
		}
		return map[string]any{
			"content_id":      contentID,
			"recommendations": recommendations,
		}, nil
	})

	a.Register("optimize_content", "content_optimized", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		contentID := cmd.String("content_id")
		content, err := deps.Store.FindOne(ctx, "contents", map[string]any{"_id": contentID})
		if err != nil {
			return nil, err
		}
		body, _ := content["body"].(string)
		optimized := body
		if mod, ok := a.Modules().Get("seo_optimizer"); ok {
			if opt, ok := mod.(*SEOOptimizer); ok {
				optimized = opt.Rewrite(body)
			}
		}
		if _, err := deps.Store.Update(ctx, "contents",
			map[string]any{"_id": contentID},
			map[string]any{"body": optimized, "optimized": true}); err != nil {
			return nil, err
		}
		return map[string]any{"content_id": contentID, "optimized": true}, nil
	})

	a.SubscribeEvent("brand_consistency.review_completed", func(ctx context.Context, evt schema.Message) {
		if evt.String("status") != "approved" {
			return
		}
		if _, err := a.SendCommand(ctx, Optimization, "analyze_seo", map[string]any{
			"content_id": evt.String("content_id"),
		}, evt.ID); err != nil {
			log.Printf("[%s] ⚠️ SEO analysis dispatch for %s failed: %v", Optimization, evt.String("content_id"), err)
		}
	})

	return a
}
