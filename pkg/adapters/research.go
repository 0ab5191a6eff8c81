package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/engine"
	"github.com/openfroyo/opsflow/pkg/llm"
)

const researchPrompt = `You are a researcher supporting cloud operations work.
You find information; you do not compute or run anything.

Answer the question using the numbered sources when they are relevant and cite
them as [n]. If the sources do not contain the answer, say so and answer from
general knowledge, marking that part as unverified. Be concise and concrete.`

const modelOnlyResearchPrompt = `You are a researcher supporting cloud operations work.
You find information; you do not compute or run anything.
No web search is available; answer from general knowledge and say where the
answer may be out of date. Be concise and concrete.`

// ResearchConfig configures a ResearchAgent.
type ResearchConfig struct {
	// NumResults is how many search hits to request. Defaults to 5.
	NumResults int

	// MaxPages is how many hits without inline content get fetched.
	MaxPages int

	// MaxContextTokens bounds the source text handed to the model. Defaults to 6000.
	MaxContextTokens int

	// Tokens counts tokens for the budget. Nil uses the model's encoding.
	Tokens *llm.TokenCounter
}

// PageSource fetches a page as markdown.
type PageSource interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ResearchAgent implements engine.Researcher.
type ResearchAgent struct {
	client llm.Client
	search SearchProvider
	pages  PageSource
	tokens *llm.TokenCounter
	cfg    ResearchConfig
	logger zerolog.Logger
}

// NewResearchAgent creates a research agent. search and pages may be nil; with
// no search provider the agent answers from the model alone.
func NewResearchAgent(client llm.Client, search SearchProvider, pages PageSource, cfg ResearchConfig, logger zerolog.Logger) *ResearchAgent {
	if cfg.NumResults <= 0 {
		cfg.NumResults = 5
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 6000
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = llm.NewTokenCounter(client.GetModelName())
	}
	return &ResearchAgent{
		client: client,
		search: search,
		pages:  pages,
		tokens: tokens,
		cfg:    cfg,
		logger: logger.With().Str("component", "research").Logger(),
	}
}

// Research implements engine.Researcher. A failed search degrades to a
// model-only answer; a failed model call is a transient error.
func (r *ResearchAgent) Research(ctx context.Context, query string) (*engine.ResearchOutput, error) {
	if strings.TrimSpace(query) == "" {
		return nil, engine.NewPermanentError("research query is empty", nil).WithCode(engine.ErrCodeValidation)
	}

	sources := r.gather(ctx, query)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	system, user := modelOnlyResearchPrompt, query
	if len(sources) > 0 {
		system = researchPrompt
		user = r.buildContext(query, sources)
	}

	answer, err := llm.Ask(ctx, r.client, system, user)
	if err != nil {
		return nil, engine.NewTransientError("research model call failed", err).
			WithCode(engine.ErrCodeAdapterFailed).
			WithOperation("research")
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, engine.NewTransientError("research model returned an empty answer", nil).
			WithCode(engine.ErrCodeAdapterFailed).
			WithOperation("research")
	}

	r.logger.Debug().Int("sources", len(sources)).Msg("research answered")
	return &engine.ResearchOutput{Result: answer}, nil
}

// gather searches and fills in page content for hits that came without it.
func (r *ResearchAgent) gather(ctx context.Context, query string) []SearchResult {
	if r.search == nil {
		return nil
	}

	resp, err := r.search.Search(ctx, query, r.cfg.NumResults)
	if err != nil {
		r.logger.Warn().Err(err).Str("provider", r.search.Name()).Msg("search failed, answering from the model")
		return nil
	}

	fetched := 0
	results := make([]SearchResult, 0, len(resp.Results))
	for _, hit := range resp.Results {
		if hit.Content == "" && r.pages != nil && fetched < r.cfg.MaxPages && hit.URL != "" {
			fetched++
			content, err := r.pages.Fetch(ctx, hit.URL)
			if err != nil {
				r.logger.Debug().Err(err).Str("url", hit.URL).Msg("page fetch failed")
			} else {
				hit.Content = content
			}
		}
		if hit.Content == "" && hit.Snippet == "" {
			continue
		}
		results = append(results, hit)
	}
	return results
}

// buildContext numbers the sources and splits the token budget evenly
// between them.
func (r *ResearchAgent) buildContext(query string, sources []SearchResult) string {
	perSource := r.cfg.MaxContextTokens / len(sources)

	var sb strings.Builder
	sb.WriteString("Sources:\n\n")
	for i, s := range sources {
		text := s.Content
		if text == "" {
			text = s.Snippet
		}
		text = r.tokens.Truncate(text, perSource)
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, s.Title, s.URL, text)
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)
	return sb.String()
}
