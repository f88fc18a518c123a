package agents

import (
	"context"

	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/schema"
)

// newContentStrategy builds the agent that turns campaign ideas into
// content briefs and trend analyses.
func newContentStrategy(deps Deps, cfg config.AgentConfig) *agent.Agent {
	a := agent.New(ContentStrategy, deps.Bus, deps.Catalog, cfg)

	reg := deps.Bus.Registry()
	reg.Register(schema.Definition{
		Name: "create_brief", Kind: schema.KindCommand, Owner: ContentStrategy,
		Required: []string{"type", "topic"},
		Fields: map[string]schema.FieldType{
			"type":     schema.FieldString,
			"topic":    schema.FieldString,
			"keywords": schema.FieldArray,
		},
	})
	reg.Register(schema.Definition{
		Name: "brief_created", Kind: schema.KindEvent,
		Required: []string{"brief_id"},
	})

	a.Register("create_brief", "brief_created", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		doc := map[string]any{
			"type":     cmd.String("type"),
			"topic":    cmd.String("topic"),
			"keywords": cmd.Payload["keywords"],
			"status":   "open",
		}
		id, err := deps.Store.Store(ctx, "briefs", doc)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"brief_id": id,
			"type":     cmd.String("type"),
			"topic":    cmd.String("topic"),
			"keywords": cmd.Payload["keywords"],
		}, nil
	})

	a.Register("analyze_trends", "trends_analyzed", func(ctx context.Context, cmd schema.Message) (map[string]any, error) {
		topic := cmd.String("topic")
		if topic == "" {
			return nil, errs.New(errs.KindValidation, "analyze_trends needs a topic")
		}
		if mod, ok := a.Modules().Get("trend_analyzer"); ok {
			if ta, ok := mod.(*TrendAnalyzer); ok {
				trends, err := ta.Analyze(ctx, topic)
				if err != nil {
					return nil, err
				}
				return map[string]any{"topic": topic, "trends": trends}, nil
			}
		}
		return map[string]any{"topic": topic, "trends": []any{}}, nil
	})

	return a
}
