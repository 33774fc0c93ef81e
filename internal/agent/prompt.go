package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nicolasforstinger/lucyd/internal/bootstrap"
)

// PromptMode controls how much of the system prompt is assembled.
// Subagent and cron sessions use PromptMinimal to keep their context cheap.
type PromptMode int

const (
	PromptFull PromptMode = iota
	PromptMinimal
)

// SystemPromptConfig carries everything BuildSystemPrompt needs to render
// the tiered system prompt for one turn. Fields map onto three blocks:
// Stable (identity line, workspace, owners, tools, capability and sandbox
// hints), Semi-stable (every ContextFile, persona files included, plus the
// skills summary), Dynamic (clock, source channel, ExtraPrompt).
// ContextFile.Tier is not consulted when choosing a block.
type SystemPromptConfig struct {
	AgentID   string
	Model     string
	Workspace string
	Channel   string
	OwnerIDs  []string
	Mode      PromptMode

	ToolNames      []string
	SkillsSummary  string
	HasMemory      bool
	HasSpawn       bool
	HasSkillSearch bool

	ContextFiles []bootstrap.ContextFile
	ExtraPrompt  string

	SandboxEnabled         bool
	SandboxContainerDir    string
	SandboxWorkspaceAccess string
}

// BuildSystemPrompt assembles the system prompt from stable, semi-stable,
// and dynamic blocks, in that order, so an upstream prompt cache keyed on a
// prefix hash stays warm across turns that only change the dynamic tail.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	writeStableBlock(&b, cfg)
	if cfg.Mode == PromptFull {
		writeSemiStableBlock(&b, cfg)
	}
	writeDynamicBlock(&b, cfg)

	return strings.TrimRight(b.String(), "\n")
}

func writeStableBlock(b *strings.Builder, cfg SystemPromptConfig) {
	fmt.Fprintf(b, "You are agent %q, model %s.\n", cfg.AgentID, cfg.Model)
	if cfg.Workspace != "" {
		fmt.Fprintf(b, "Workspace: %s\n", cfg.Workspace)
	}
	if len(cfg.OwnerIDs) > 0 {
		fmt.Fprintf(b, "Owners: %s\n", strings.Join(cfg.OwnerIDs, ", "))
	}

	if len(cfg.ToolNames) > 0 {
		names := make([]string, len(cfg.ToolNames))
		copy(names, cfg.ToolNames)
		sort.Strings(names)
		fmt.Fprintf(b, "\nAvailable tools: %s\n", strings.Join(names, ", "))
	}
	if cfg.HasSpawn {
		b.WriteString("You may spawn subagents for isolated sub-tasks via the spawn tool.\n")
	}
	if cfg.HasSkillSearch {
		b.WriteString("Use the skill_search tool to look up skills not already summarized below.\n")
	} else if cfg.SkillsSummary != "" {
		b.WriteString("Scan <available_skills> below before reaching for a tool you don't have.\n")
	}
	if cfg.HasMemory {
		b.WriteString("You have long-term memory: facts, episodes and commitments may be injected as recall context.\n")
	}
	if cfg.SandboxEnabled {
		fmt.Fprintf(b, "Running sandboxed. Container workspace: %s (access: %s).\n",
			cfg.SandboxContainerDir, cfg.SandboxWorkspaceAccess)
	}
}

func writeSemiStableBlock(b *strings.Builder, cfg SystemPromptConfig) {
	for _, cf := range cfg.ContextFiles {
		if cf.Content == "" {
			continue
		}
		fmt.Fprintf(b, "\n--- %s ---\n%s\n", cf.Path, cf.Content)
	}
	if cfg.SkillsSummary != "" {
		fmt.Fprintf(b, "\n<available_skills>\n%s\n</available_skills>\n", cfg.SkillsSummary)
	}
}

func writeDynamicBlock(b *strings.Builder, cfg SystemPromptConfig) {
	fmt.Fprintf(b, "\nCurrent time: %s\n", time.Now().UTC().Format(time.RFC3339))
	if cfg.Channel != "" {
		fmt.Fprintf(b, "Source channel: %s\n", cfg.Channel)
	}
	if cfg.ExtraPrompt != "" {
		fmt.Fprintf(b, "\n%s\n", cfg.ExtraPrompt)
	}
}
