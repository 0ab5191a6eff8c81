package adapters

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/engine"
	"github.com/openfroyo/opsflow/pkg/llm"
)

const codeAgentPrompt = `You solve tasks by writing %[1]s code that is executed for you.

Each turn, reply with exactly one of:
1. A short thought followed by one fenced code block. The code runs in the working
   directory and its printed output is returned to you as the observation.
2. A line starting with "Final Answer:" followed by the answer, once the task is done.

Rules:
- Call final_answer(value) or print a line starting with "%[2]s" when the code itself
  produces the answer.
- Never delete or overwrite existing files.
- Work only inside the current working directory.
%[3]s`

// pythonPrelude defines final_answer for python code.
const pythonPrelude = "def final_answer(value):\n    print(\"" + FinalAnswerPrefix + " \" + str(value))\n\n"

// maxObservation bounds the interpreter output fed back to the model.
const maxObservation = 4000

var (
	finalAnswerLine = regexp.MustCompile(`(?im)^\s*final answer:\s*(.*)$`)
	pythonImport    = regexp.MustCompile(`(?m)^\s*(?:from\s+([A-Za-z_][\w.]*)\s+import\b|import\s+([A-Za-z_][\w.]*(?:\s+as\s+\w+)?(?:\s*,\s*[A-Za-z_][\w.]*(?:\s+as\s+\w+)?)*))`)
)

// CodeAgentConfig configures a CodeAgent.
type CodeAgentConfig struct {
	// MaxSteps bounds the number of code executions. Defaults to 6.
	MaxSteps int

	// AuthorizedImports lists the top-level modules python code may import.
	// Empty allows any import.
	AuthorizedImports []string
}

// CodeAgent implements engine.CodeRunner with a model that writes code and an
// Interpreter that runs it.
type CodeAgent struct {
	client  llm.Client
	interp  Interpreter
	cfg     CodeAgentConfig
	allowed map[string]bool
	logger  zerolog.Logger
}

// NewCodeAgent creates a code agent.
func NewCodeAgent(client llm.Client, interp Interpreter, cfg CodeAgentConfig, logger zerolog.Logger) *CodeAgent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 6
	}
	var allowed map[string]bool
	if len(cfg.AuthorizedImports) > 0 {
		allowed = make(map[string]bool, len(cfg.AuthorizedImports))
		for _, m := range cfg.AuthorizedImports {
			allowed[strings.TrimSpace(m)] = true
		}
	}
	return &CodeAgent{
		client:  client,
		interp:  interp,
		cfg:     cfg,
		allowed: allowed,
		logger: logger.With().
			Str("component", "code_agent").
			Str("language", interp.Language()).
			Logger(),
	}
}

// GenerateAndRunCode implements engine.CodeRunner. The sequence yields one
// step per model turn that produced code and ends with exactly one final
// event, unless the model call itself fails.
func (a *CodeAgent) GenerateAndRunCode(ctx context.Context, prompt, workingDir string) iter.Seq2[engine.CodeEvent, error] {
	return func(yield func(engine.CodeEvent, error) bool) {
		logger := a.logger.With().Str("working_dir", workingDir).Logger()
		messages := []*llm.Message{{Role: "user", Content: prompt}}

		for step := 1; step <= a.cfg.MaxSteps; step++ {
			if err := ctx.Err(); err != nil {
				yield(engine.CodeEvent{}, err)
				return
			}

			resp, err := a.client.CompleteWithRequest(ctx, &llm.CompletionRequest{
				SystemPrompt: a.systemPrompt(),
				Messages:     messages,
			})
			if err != nil {
				yield(engine.CodeEvent{}, engine.NewTransientError("code generation failed", err).
					WithCode(engine.ErrCodeAdapterFailed).
					WithOperation("generate_and_run_code"))
				return
			}
			reply := resp.Content
			messages = append(messages, &llm.Message{Role: "assistant", Content: reply})

			code := llm.ExtractCodeBlock(reply)
			if code == "" {
				if answer, ok := parseFinalAnswer(reply); ok {
					yield(engine.CodeEvent{Final: &engine.CodeFinal{Success: true, Result: answer}}, nil)
					return
				}
				messages = append(messages, &llm.Message{
					Role:    "user",
					Content: "Reply with one fenced code block or a line starting with \"Final Answer:\".",
				})
				continue
			}

			s, answer, done := a.runStep(ctx, step, code, workingDir)
			s.LLMOutput = reply
			logger.Debug().Int("step", step).Bool("error", s.Error != "").Msg("code step finished")

			if !yield(engine.CodeEvent{Step: &s}, nil) {
				return
			}

			if done {
				yield(engine.CodeEvent{Final: &engine.CodeFinal{Success: true, Result: answer}}, nil)
				return
			}
			messages = append(messages, &llm.Message{Role: "user", Content: observationMessage(s)})
		}

		logger.Warn().Int("max_steps", a.cfg.MaxSteps).Msg("code agent ran out of steps")
		yield(engine.CodeEvent{Final: &engine.CodeFinal{
			Success: false,
			Result:  fmt.Sprintf("no final answer after %d steps", a.cfg.MaxSteps),
		}}, nil)
	}
}

// runStep checks imports and executes one code block. The final answer is
// read from the complete output before the observation is truncated.
func (a *CodeAgent) runStep(ctx context.Context, number int, code, workingDir string) (s engine.CodeStep, answer string, done bool) {
	s = engine.CodeStep{Number: number, Code: code}

	if a.interp.Language() == "python" {
		if denied := a.unauthorizedImports(code); len(denied) > 0 {
			s.Error = fmt.Sprintf("import of %s is not allowed; authorized imports: %s",
				strings.Join(denied, ", "), strings.Join(a.cfg.AuthorizedImports, ", "))
			return s, "", false
		}
	}

	s.ToolCalls = []engine.ToolCall{{Name: a.interp.Language() + "_interpreter", Arguments: llm.TruncateForError(code, 200)}}
	source := code
	if a.interp.Language() == "python" {
		source = pythonPrelude + code
	}
	res, err := a.interp.Execute(ctx, source, workingDir)
	if err != nil {
		s.Error = err.Error()
		return s, "", false
	}

	s.Observation = llm.TruncateForError(res.Stdout, maxObservation)
	if res.Failed() {
		s.Error = strings.TrimSpace(res.Stderr)
		if s.Error == "" {
			s.Error = fmt.Sprintf("exited with code %d", res.ExitCode)
		}
		s.Error = llm.TruncateForError(s.Error, maxObservation)
		return s, "", false
	}
	answer, done = outputFinalAnswer(res.Stdout)
	return s, answer, done
}

// unauthorizedImports returns the sorted top-level modules code imports that
// are not authorized.
func (a *CodeAgent) unauthorizedImports(code string) []string {
	if a.allowed == nil {
		return nil
	}
	seen := map[string]bool{}
	for _, m := range pythonImport.FindAllStringSubmatch(code, -1) {
		var names []string
		if m[1] != "" {
			names = []string{m[1]}
		} else {
			for _, part := range strings.Split(m[2], ",") {
				names = append(names, strings.Fields(part)[0])
			}
		}
		for _, n := range names {
			top, _, _ := strings.Cut(n, ".")
			if !a.allowed[top] {
				seen[top] = true
			}
		}
	}
	denied := make([]string, 0, len(seen))
	for n := range seen {
		denied = append(denied, n)
	}
	sort.Strings(denied)
	return denied
}

func (a *CodeAgent) systemPrompt() string {
	var imports string
	if a.interp.Language() == "python" && len(a.cfg.AuthorizedImports) > 0 {
		imports = "- You may only import: " + strings.Join(a.cfg.AuthorizedImports, ", ") + "\n"
	}
	return fmt.Sprintf(codeAgentPrompt, a.interp.Language(), FinalAnswerPrefix, imports)
}

func parseFinalAnswer(reply string) (string, bool) {
	m := finalAnswerLine.FindStringSubmatchIndex(reply)
	if m == nil {
		return "", false
	}
	// the answer may span the rest of the reply
	return strings.TrimSpace(reply[m[2]:]), true
}

func outputFinalAnswer(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, FinalAnswerPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, FinalAnswerPrefix)), true
		}
	}
	return "", false
}

func observationMessage(s engine.CodeStep) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Observation (step %d):\n", s.Number)
	if s.Observation != "" {
		sb.WriteString(s.Observation)
		sb.WriteString("\n")
	} else {
		sb.WriteString("(no output)\n")
	}
	if s.Error != "" {
		fmt.Fprintf(&sb, "Error:\n%s\n", s.Error)
	}
	return sb.String()
}
