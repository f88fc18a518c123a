package agents

import (
	"context"
	"fmt"
	"log"

	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
)

// newContentCreation builds the agent that generates content from briefs
// and promotes it through approval.
func newContentCreation(deps Deps, cfg config.AgentConfig) *agent.Agent {
	a := agent.New(ContentCreation, deps.Bus, deps.Catalog, cfg)

	reg := deps.Bus.Registry()
	reg.Register(schema.Definition{
		Name: "generate_content", Kind: schema.KindCommand, Owner: ContentCreation,
		Required: []string{"brief_id"},
		Fields:   map[string]schema.FieldType{"brief_id": schema.FieldString},
	})
	reg.Register(schema.Definition{
		Name: "content_created", Kind: schema.KindEvent,
		Required: []string{"content_id", "brief_id"},
	})

	a.Register("generate_content", "content_created", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		briefID := cmd.String("brief_id")
		brief, err := deps.Store.FindOne(ctx, "briefs", map[string]any{"_id": briefID})
		if err != nil {
			return nil, err
		}
		topic, _ := brief["topic"].(string)
		contentType, _ := brief["type"].(string)

		body := fmt.Sprintf("# %s\n\nDraft %s content pending generation.", topic, contentType)
		if mod, ok := a.Modules().Get("blog_generator"); ok {
			if gen, ok := mod.(*BlogGenerator); ok {
				generated, err := gen.Generate(ctx, topic, brief["keywords"])
				if err != nil {
					return nil, err
				}
				body = generated
			}
		} else {
			log.Printf("[%s] ⚠️ blog_generator not loaded, using template body", ContentCreation)
		}

		doc := map[string]any{
			"brief_id": briefID,
			"type":     contentType,
			"topic":    topic,
			"body":     body,
			"status":   "draft",
		}
		contentID, err := deps.Store.Store(ctx, "contents", doc)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"content_id": contentID,
			"brief_id":   briefID,
			"type":       contentType,
		}, nil
	})

	a.Register("content_approved", "content_approved", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		contentID := cmd.String("content_id")
		if contentID == "" {
			return nil, errs.New(errs.KindValidation, "content_approved needs content_id")
		}
		if _, err := deps.Store.Update(ctx, "contents",
			map[string]any{"_id": contentID},
			map[string]any{"status": "approved"}); err != nil {
			return nil, err
		}
		return map[string]any{"content_id": contentID, "status": "approved"}, nil
	})

	// Briefs whose type is in autoGenerateTypes flow straight into
	// generation without an operator command.
	auto := make(map[string]bool, len(cfg.AutoGenerateTypes))
	for _, t := range cfg.AutoGenerateTypes {
		auto[t] = true
	}
	a.SubscribeEvent("content_strategy.brief_created", func(ctx context.Context, evt schema.Message) {
		if !auto[evt.String("type")] {
			return
		}
		if _, err := a.SendCommand(ctx, ContentCreation, "generate_content", map[string]any{
			"brief_id": evt.String("brief_id"),
		}, evt.ID); err != nil {
			log.Printf("[%s] ⚠️ Auto-generate for brief %s failed: %v", ContentCreation, evt.String("brief_id"), err)
		}
	})

	a.SubscribeEvent("brand_consistency.review_completed", func(ctx context.Context, evt schema.Message) {
		if evt.String("status") != "approved" {
			return
		}
		if _, err := a.SendCommand(ctx, ContentCreation, "content_approved", map[string]any{
			"content_id": evt.String("content_id"),
		}, evt.ID); err != nil {
			log.Printf("[%s] ⚠️ Approval for content %s failed: %v", ContentCreation, evt.String("content_id"), err)
		}
	})

	return a
}
