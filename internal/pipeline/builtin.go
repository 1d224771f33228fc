package pipeline

// Built-in definitions for the two production pipelines. Both are plain data;
// the engine never special-cases either one.

// Article pipeline phases.
const (
	PhaseResearch        Phase = "research"
	PhaseOutline         Phase = "outline"
	PhaseWriting         Phase = "writing"
	PhaseEditorialReview Phase = "editorial_review"
	PhaseSEOAudit        Phase = "seo_audit"
	PhaseFinalReview     Phase = "final_review"
	PhasePublish         Phase = "publish"
)

// Page-build pipeline phases.
const (
	PhaseImportDesign   Phase = "import_design"
	PhaseMapSections    Phase = "map_sections"
	PhaseGenerateBlocks Phase = "generate_blocks"
	PhaseBlockReview    Phase = "block_review"
	PhasePublishDraft   Phase = "publish_draft"
	PhaseLighthouse     Phase = "lighthouse_audit"
	PhaseLaunchReview   Phase = "launch_review"
	PhaseGoLive         Phase = "go_live"
)

// ArticleDefinition returns the SEO article pipeline. Both gates revise back
// to the writing phase: editors always want a rewrite, never a re-research.
func ArticleDefinition() *Definition {
	return &Definition{
		Name: "article",
		Phases: []Phase{
			PhaseResearch, PhaseOutline, PhaseWriting,
			PhaseEditorialReview, PhaseSEOAudit, PhaseFinalReview, PhasePublish,
		},
		Gates: map[Phase]bool{
			PhaseEditorialReview: true,
			PhaseFinalReview:     true,
		},
		PhaseStatus: map[Phase]Status{
			PhaseResearch:        "researching",
			PhaseOutline:         "outlining",
			PhaseWriting:         "writing",
			PhaseEditorialReview: "awaiting_editorial_review",
			PhaseSEOAudit:        "auditing_seo",
			PhaseFinalReview:     "awaiting_final_review",
			PhasePublish:         "publishing",
		},
		ReviseTargets: map[Phase]Phase{
			PhaseEditorialReview: PhaseWriting,
			PhaseFinalReview:     PhaseWriting,
		},
		Agents: map[Phase]AgentConfig{
			PhaseResearch: {Name: "researcher", Model: "claude-sonnet-4-5",
				SystemPrompt: "You are an SEO research specialist. Produce keyword and competitor research for the requested topic."},
			PhaseOutline: {Name: "outliner", Model: "claude-sonnet-4-5",
				SystemPrompt: "You are a content strategist. Produce a detailed article outline from the research provided."},
			PhaseWriting: {Name: "writer", Model: "claude-opus-4-1",
				SystemPrompt: "You are a senior content writer. Write the full article following the outline.{{#if feedback}} A reviewer has requested changes; address their feedback before anything else.{{/if}}"},
			PhaseSEOAudit: {Name: "seo-auditor", Model: "claude-sonnet-4-5",
				SystemPrompt: "You are an SEO auditor. Score the article 0-100 and list concrete improvements. Include a `\"score\": N` line."},
			PhasePublish: {Name: "publisher", Model: "claude-sonnet-4-5",
				SystemPrompt: "You are a CMS publishing assistant. Produce the final publish payload for the article."},
		},
		Extractors: map[Phase]Extractor{
			PhaseWriting:  ExtractWordCount,
			PhaseSEOAudit: ExtractScore,
		},
		Projectors: map[Phase]Projector{
			PhaseWriting: func(raw string) (string, string) { return "final_content", raw },
		},
		QueueName:   "article-pipeline",
		Concurrency: 4,
	}
}

// PageBuildDefinition returns the Figma-to-CMS page build pipeline. Unlike
// the article pipeline, each gate revises to its own upstream phase.
func PageBuildDefinition() *Definition {
	return &Definition{
		Name: "pagebuild",
		Phases: []Phase{
			PhaseImportDesign, PhaseMapSections, PhaseGenerateBlocks,
			PhaseBlockReview, PhasePublishDraft, PhaseLighthouse,
			PhaseLaunchReview, PhaseGoLive,
		},
		Gates: map[Phase]bool{
			PhaseBlockReview:  true,
			PhaseLaunchReview: true,
		},
		PhaseStatus: map[Phase]Status{
			PhaseImportDesign:   "importing_design",
			PhaseMapSections:    "mapping_sections",
			PhaseGenerateBlocks: "generating_blocks",
			PhaseBlockReview:    "awaiting_block_review",
			PhasePublishDraft:   "publishing_draft",
			PhaseLighthouse:     "auditing_performance",
			PhaseLaunchReview:   "awaiting_launch_review",
			PhaseGoLive:         "going_live",
		},
		ReviseTargets: map[Phase]Phase{
			PhaseBlockReview:  PhaseGenerateBlocks,
			PhaseLaunchReview: PhasePublishDraft,
		},
		Agents: map[Phase]AgentConfig{
			PhaseImportDesign: {Name: "design-importer", Model: "claude-sonnet-4-5",
				SystemPrompt: "You translate an exported Figma frame tree into a normalized section inventory."},
			PhaseMapSections: {Name: "section-mapper", Model: "claude-sonnet-4-5",
				SystemPrompt: "You map design sections to the CMS block library, flagging unmapped sections."},
			PhaseGenerateBlocks: {Name: "block-generator", Model: "claude-opus-4-1",
				SystemPrompt: "You generate CMS block markup and content for each mapped section.{{#if feedback}} Rework the flagged blocks per the reviewer's feedback.{{/if}}"},
			PhasePublishDraft: {Name: "draft-publisher", Model: "claude-sonnet-4-5",
				SystemPrompt: "You assemble the generated blocks into a draft page payload for the CMS."},
			PhaseLighthouse: {Name: "perf-auditor", Model: "claude-sonnet-4-5",
				SystemPrompt: "You interpret a Lighthouse report for the draft page. Include a `\"score\": N` line."},
			PhaseGoLive: {Name: "launcher", Model: "claude-sonnet-4-5",
				SystemPrompt: "You produce the go-live payload: final slugs, redirects, and publish flags."},
		},
		Extractors: map[Phase]Extractor{
			PhaseGenerateBlocks: ExtractWordCount,
			PhaseLighthouse:     ExtractScore,
		},
		QueueName:   "pagebuild-pipeline",
		Concurrency: 2,
	}
}

// DefaultRegistry returns the registry of built-in pipelines.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(ArticleDefinition(), PageBuildDefinition())
}
