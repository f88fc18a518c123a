// Package agents wires the five marketing agents onto the agent core:
// content_strategy, content_creation, brand_consistency, optimization,
// and content_management. Agents talk to each other only over the bus;
// choreography (brief → content → brand review → optimization → publish)
// emerges from the subscriptions each constructor declares.
package agents

import (
	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/config"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/llm"
	"github.com/promohive/promohive/internal/module"
	"github.com/promohive/promohive/internal/storage"
)

// Agent names.
const (
	ContentStrategy   = "content_strategy"
	ContentCreation   = "content_creation"
	BrandConsistency  = "brand_consistency"
	Optimization      = "optimization"
	ContentManagement = "content_management"
)

// Deps are the collaborators every agent constructor receives.
type Deps struct {
	Bus     *bus.Bus
	Store   storage.Store
	LLM     llm.Provider
	Catalog *module.Catalog
}

type builder func(Deps, config.AgentConfig) *agent.Agent

var builders = map[string]builder{
	ContentStrategy:   newContentStrategy,
	ContentCreation:   newContentCreation,
	BrandConsistency:  newBrandConsistency,
	Optimization:      newOptimization,
	ContentManagement: newContentManagement,
}

// Known returns the valid agent names.
func Known() []string {
	return []string{ContentStrategy, ContentCreation, BrandConsistency, Optimization, ContentManagement}
}

// IsKnown reports whether name is a valid agent name.
func IsKnown(name string) bool {
	_, ok := builders[name]
	return ok
}

// Build constructs one agent by name.
func Build(name string, deps Deps, cfg config.AgentConfig) (*agent.Agent, error) {
	b, ok := builders[name]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "unknown agent %q", name)
	}
	return b(deps, cfg), nil
}

// RegisterModules adds every module constructor to the shared catalog.
// Config selects which agents actually instantiate them.
func RegisterModules(catalog *module.Catalog, deps Deps) {
	catalog.Add("trend_analyzer", func() module.Module { return &TrendAnalyzer{llm: deps.LLM} })
	catalog.Add("blog_generator", func() module.Module { return &BlogGenerator{llm: deps.LLM} })
	catalog.Add("brand_checker", func() module.Module { return &BrandChecker{} })
	catalog.Add("seo_optimizer", func() module.Module { return &SEOOptimizer{} })
	catalog.Add("publish_scheduler", func() module.Module {
		return &PublishScheduler{bus: deps.Bus, store: deps.Store}
	})
}
