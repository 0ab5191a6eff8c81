package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/engine"
	"github.com/openfroyo/opsflow/pkg/llm"
)

const cliGeneratorPrompt = `You translate a cloud operations instruction into Azure CLI commands.

Rules:
1. Every command starts with "az ".
2. Order commands so that each one only depends on commands before it.
3. Never generate destructive commands (delete, purge, remove, wipe).
4. Where a value is unknown, write a placeholder like <vm_name> instead of inventing one.
5. Prefer --output json for commands that read state.

Respond with a JSON object: {"commands": ["az ...", "az ..."]}.
If the instruction cannot be done with the Azure CLI respond with {"commands": [], "error": "<reason>"}.`

const shellGeneratorPrompt = `You translate an operations instruction into POSIX shell commands.

Rules:
1. Each entry is one command line that runs on its own with /bin/sh -c.
2. Order commands so that each one only depends on commands before it.
3. Never delete, remove, truncate or overwrite existing data.
4. Where a value is unknown, write a placeholder like <file_name> instead of inventing one.
5. Do not use sudo.

Respond with a JSON object: {"commands": ["...", "..."]}.
If the instruction cannot be done in a shell respond with {"commands": [], "error": "<reason>"}.`

type generatedCommands struct {
	Commands []string `json:"commands"`
	Error    string   `json:"error"`
}

// LLMCommandGenerator implements engine.CommandGenerator with a language model.
type LLMCommandGenerator struct {
	client   llm.Client
	taskType engine.TaskType
	system   string
	logger   zerolog.Logger
}

// NewCLIGenerator creates a generator for cli tasks.
func NewCLIGenerator(client llm.Client, logger zerolog.Logger) *LLMCommandGenerator {
	return newGenerator(client, engine.TaskTypeCLI, cliGeneratorPrompt, logger)
}

// NewShellGenerator creates a generator for shell tasks.
func NewShellGenerator(client llm.Client, logger zerolog.Logger) *LLMCommandGenerator {
	return newGenerator(client, engine.TaskTypeShell, shellGeneratorPrompt, logger)
}

func newGenerator(client llm.Client, taskType engine.TaskType, system string, logger zerolog.Logger) *LLMCommandGenerator {
	return &LLMCommandGenerator{
		client:   client,
		taskType: taskType,
		system:   system,
		logger: logger.With().
			Str("component", "generator").
			Str("task_type", string(taskType)).
			Logger(),
	}
}

// TaskType returns the task type this generator serves.
func (g *LLMCommandGenerator) TaskType() engine.TaskType {
	return g.taskType
}

// GenerateCommands implements engine.CommandGenerator. Model failures are
// returned as transient errors; unusable answers come back as an unsuccessful
// generation.
func (g *LLMCommandGenerator) GenerateCommands(ctx context.Context, prompt string) (*engine.CommandGeneration, error) {
	if strings.TrimSpace(prompt) == "" {
		return &engine.CommandGeneration{Error: "prompt is empty"}, nil
	}

	raw, err := llm.Ask(ctx, g.client, g.system, prompt)
	if err != nil {
		return nil, engine.NewTransientError("command generation failed", err).
			WithCode(engine.ErrCodeAdapterFailed).
			WithOperation("generate_commands")
	}

	commands, genErr, err := parseCommands(raw)
	if err != nil {
		g.logger.Debug().Str("response", llm.TruncateForError(raw, 500)).Msg("unparseable generator response")
		return &engine.CommandGeneration{Error: err.Error()}, nil
	}

	if g.taskType == engine.TaskTypeCLI {
		for _, c := range commands {
			if !strings.HasPrefix(c, "az ") {
				g.logger.Warn().Str("command", c).Msg("generated cli command does not start with az")
			}
		}
	}

	if len(commands) == 0 {
		if genErr == "" {
			genErr = "no commands generated"
		}
		return &engine.CommandGeneration{Error: genErr}, nil
	}

	g.logger.Debug().Int("count", len(commands)).Msg("commands generated")
	return &engine.CommandGeneration{Success: true, Commands: commands}, nil
}

// parseCommands accepts {"commands": [...]} or a bare JSON array. Blank
// entries are dropped and surrounding whitespace trimmed.
func parseCommands(raw string) ([]string, string, error) {
	var out generatedCommands
	if err := llm.ParseJSONObject(raw, &out); err != nil || (out.Commands == nil && out.Error == "") {
		list, arrErr := llm.ExtractJSONArray[string](raw)
		if arrErr != nil {
			return nil, "", fmt.Errorf("could not parse generated commands: %s", llm.TruncateForError(raw, 200))
		}
		out.Commands = list
	}

	commands := make([]string, 0, len(out.Commands))
	for _, c := range out.Commands {
		c = strings.TrimSpace(c)
		if c != "" {
			commands = append(commands, c)
		}
	}
	return commands, strings.TrimSpace(out.Error), nil
}
