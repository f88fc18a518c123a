package agents

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/llm"
	"github.com/promohive/promohive/internal/schema"
	"github.com/promohive/promohive/internal/storage"
)

// TrendAnalyzer surfaces trending angles for a topic. With an LLM
// provider it asks the model; without one it falls back to the
// configured static angles.
type TrendAnalyzer struct {
	llm    llm.Provider
	angles []string
	model  string
}

func (t *TrendAnalyzer) Name() string { return "trend_analyzer" }

func (t *TrendAnalyzer) Initialize(ctx context.Context, options map[string]any) error {
	if raw, ok := options["angles"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				t.angles = append(t.angles, s)
			}
		}
	}
	t.model, _ = options["model"].(string)
	return nil
}

func (t *TrendAnalyzer) Start(ctx context.Context) error { return nil }
func (t *TrendAnalyzer) Stop(ctx context.Context) error  { return nil }

// Analyze returns trend angles for the topic.
func (t *TrendAnalyzer) Analyze(ctx context.Context, topic string) ([]string, error) {
	if t.llm == nil {
		out := make([]string, 0, len(t.angles))
		for _, a := range t.angles {
			out = append(out, fmt.Sprintf("%s: %s", topic, a))
		}
		return out, nil
	}
	text, err := t.llm.GenerateText(ctx, llm.Request{
		Model:  t.model,
		Prompt: "List current marketing trends for: " + topic,
	})
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimSpace(text), "\n"), nil
}

// BlogGenerator produces draft bodies from brief topics.
type BlogGenerator struct {
	llm         llm.Provider
	model       string
	temperature float64
	maxTokens   int
}

func (g *BlogGenerator) Name() string { return "blog_generator" }

func (g *BlogGenerator) Initialize(ctx context.Context, options map[string]any) error {
	g.model, _ = options["model"].(string)
	if v, ok := options["temperature"].(float64); ok {
		g.temperature = v
	} else {
		g.temperature = 0.7
	}
	if v, ok := options["maxTokens"].(float64); ok {
		g.maxTokens = int(v)
	} else {
		g.maxTokens = 2048
	}
	return nil
}

func (g *BlogGenerator) Start(ctx context.Context) error { return nil }
func (g *BlogGenerator) Stop(ctx context.Context) error  { return nil }

// Generate writes a draft body for the topic, seeding the prompt with
// the brief's keywords.
func (g *BlogGenerator) Generate(ctx context.Context, topic string, keywords any) (string, error) {
	var kw []string
	if raw, ok := keywords.([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				kw = append(kw, s)
			}
		}
	}
	if g.llm == nil {
		return fmt.Sprintf("# %s\n\nKeywords: %s\n\nDraft pending editorial pass.", topic, strings.Join(kw, ", ")), nil
	}
	return g.llm.GenerateText(ctx, llm.Request{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: "You write marketing blog posts."},
			{Role: "user", Content: fmt.Sprintf("Write a blog post about %q using keywords: %s", topic, strings.Join(kw, ", "))},
		},
	})
}

// BrandChecker scores content against banned phrases and a minimum
// length. Score 1.0 is clean; each violation subtracts 0.25.
type BrandChecker struct {
	banned    []string
	minLength int
	threshold float64
}

func (c *BrandChecker) Name() string { return "brand_checker" }

func (c *BrandChecker) Initialize(ctx context.Context, options map[string]any) error {
	if raw, ok := options["bannedPhrases"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				c.banned = append(c.banned, strings.ToLower(s))
			}
		}
	}
	if v, ok := options["minLength"].(float64); ok {
		c.minLength = int(v)
	}
	c.threshold = 0.5
	if v, ok := options["threshold"].(float64); ok {
		c.threshold = v
	}
	return nil
}

func (c *BrandChecker) Start(ctx context.Context) error { return nil }
func (c *BrandChecker) Stop(ctx context.Context) error  { return nil }

// Threshold returns the approval cutoff.
func (c *BrandChecker) Threshold() float64 { return c.threshold }

// Review scores a body and lists its violations.
func (c *BrandChecker) Review(body string) (float64, []string) {
	score := 1.0
	var violations []string
	lower := strings.ToLower(body)
	for _, phrase := range c.banned {
		if strings.Contains(lower, phrase) {
			score -= 0.25
			violations = append(violations, "banned phrase: "+phrase)
		}
	}
	if c.minLength > 0 && len(body) < c.minLength {
		score -= 0.25
		violations = append(violations, fmt.Sprintf("body shorter than %d characters", c.minLength))
	}
	if score < 0 {
		score = 0
	}
	return score, violations
}

// SEOOptimizer emits keyword recommendations and light rewrites.
type SEOOptimizer struct {
	maxRecommendations int
}

func (o *SEOOptimizer) Name() string { return "seo_optimizer" }

func (o *SEOOptimizer) Initialize(ctx context.Context, options map[string]any) error {
	o.maxRecommendations = 5
	if v, ok := options["maxRecommendations"].(float64); ok {
		o.maxRecommendations = int(v)
	}
	return nil
}

func (o *SEOOptimizer) Start(ctx context.Context) error { return nil }
func (o *SEOOptimizer) Stop(ctx context.Context) error  { return nil }

// Recommend lists missing keywords and structural hints.
func (o *SEOOptimizer) Recommend(body string, keywords any) []string {
	var out []string
	lower := strings.ToLower(body)
	if raw, ok := keywords.([]any); ok {
		for _, v := range raw {
			kw, ok := v.(string)
			if !ok {
				continue
			}
			if !strings.Contains(lower, strings.ToLower(kw)) {
				out = append(out, "add keyword: "+kw)
			}
		}
	}
	if !strings.HasPrefix(body, "#") {
		out = append(out, "add an H1 heading")
	}
	if len(out) > o.maxRecommendations {
		out = out[:o.maxRecommendations]
	}
	return out
}

// Rewrite applies the mechanical fixes Recommend suggests.
func (o *SEOOptimizer) Rewrite(body string) string {
	if !strings.HasPrefix(body, "#") {
		return "# Untitled\n\n" + body
	}
	return body
}

// PublishScheduler ticks over the schedule collection and turns due
// entries into publish_content commands.
type PublishScheduler struct {
	bus      *bus.Bus
	store    storage.Store
	interval time.Duration
	cancel   context.CancelFunc
}

func (p *PublishScheduler) Name() string { return "publish_scheduler" }

func (p *PublishScheduler) Initialize(ctx context.Context, options map[string]any) error {
	p.interval = 30 * time.Second
	if v, ok := options["intervalSec"].(float64); ok && v > 0 {
		p.interval = time.Duration(v) * time.Second
	}
	if p.bus == nil || p.store == nil {
		return errs.New(errs.KindInternal, "publish_scheduler needs bus and store")
	}
	return nil
}

func (p *PublishScheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(loopCtx)
	return nil
}

func (p *PublishScheduler) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return nil
}

func (p *PublishScheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.dispatchDue(ctx)
		}
	}
}

func (p *PublishScheduler) dispatchDue(ctx context.Context) {
	entries, err := p.store.Find(ctx, "schedule", map[string]any{"status": "pending"}, nil)
	if err != nil {
		log.Printf("[Scheduler] ⚠️ Scan failed: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		publishAt, _ := entry["publish_at"].(string)
		due, err := time.Parse(time.RFC3339, publishAt)
		if err != nil || due.After(now) {
			continue
		}
		contentID, _ := entry["content_id"].(string)
		if _, err := p.bus.PublishCommand(ctx, ContentManagement, "publish_content",
			map[string]any{"content_id": contentID}, schema.Meta{Source: ContentManagement}); err != nil {
			log.Printf("[Scheduler] ⚠️ Dispatch %s: %v", contentID, err)
			continue
		}
		if _, err := p.store.Update(ctx, "schedule",
			map[string]any{"_id": entry["_id"]},
			map[string]any{"status": "dispatched"}); err != nil {
			log.Printf("[Scheduler] ⚠️ Mark dispatched %s: %v", contentID, err)
		}
	}
}
