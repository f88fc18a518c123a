package agents

import (
	"context"
	"log"

	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/schema"
)

// newBrandConsistency builds the agent reviewing generated content
// against brand rules.
func newBrandConsistency(deps Deps, cfg config.AgentConfig) *agent.Agent {
	a := agent.New(BrandConsistency, deps.Bus, deps.Catalog, cfg)

	reg := deps.Bus.Registry()
	reg.Register(schema.Definition{
		Name: "review_content", Kind: schema.KindCommand, Owner: BrandConsistency,
		Required: []string{"content_id"},
		Fields:   map[string]schema.FieldType{"content_id": schema.FieldString},
	})
	reg.Register(schema.Definition{
		Name: "review_completed", Kind: schema.KindEvent,
		Required: []string{"content_id", "status"},
	})

	a.Register("review_content", "review_completed", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		contentID := cmd.String("content_id")
		content, err := deps.Store.FindOne(ctx, "contents", map[string]any{"_id": contentID})
		if err != nil {
			return nil, err
		}
		body, _ := content["body"].(string)

		status := "approved"
		score := 1.0
		var violations []string
		if mod, ok := a.Modules().Get("brand_checker"); ok {
			if checker, ok := mod.(*BrandChecker); ok {
				score, violations = checker.Review(body)
				if score < checker.Threshold() {
					status = "rejected"
				}
			}
		}

		review := map[string]any{
			"content_id": contentID,
			"status":     status,
			"score":      score,
			"violations": violations,
		}
		if _, err := deps.Store.Store(ctx, "reviews", review); err != nil {
			return nil, err
		}

		out := map[string]any{
			"content_id": contentID,
			"status":     status,
			"score":      score,
		}
		if briefID, ok := content["brief_id"].(string); ok {
			out["brief_id"] = briefID
		}
		return out, nil
	})

	a.SubscribeEvent("content_creation.content_created", func(ctx context.Context, evt schema.Message) {
		payload := map[string]any{"content_id": evt.String("content_id")}
		if briefID := evt.String("brief_id"); briefID != "" {
			payload["brief_id"] = briefID
		}
		if _, err := a.SendCommand(ctx, BrandConsistency, "review_content", payload, evt.ID); err != nil {
			log.Printf("[%s] ⚠️ Review dispatch for %s failed: %v", BrandConsistency, evt.String("content_id"), err)
		}
	})

	return a
}
