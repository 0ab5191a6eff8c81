// Package adapters implements the collaborators a runner dispatches tasks to.
//
// # Command generation
//
// LLMCommandGenerator turns a task prompt into an ordered list of commands.
// The same type serves cli tasks (Azure CLI) and shell tasks (POSIX shell),
// selected by the task type it is created for.
//
// # Command execution
//
// ShellRunner runs one command through the configured shell with a per-command
// timeout. Only environment variables matching the configured prefixes reach
// the child process. Lines on stderr tagged "[Warning]" never fail a command
// that exited zero.
//
// # Code
//
// CodeAgent drives a bounded loop in which a model writes code, an Interpreter
// runs it and the output is fed back as the next observation. The loop ends
// when the model gives a final answer or the step budget is spent. Three
// interpreters are provided:
//
//   - PythonInterpreter runs a local python executable.
//   - WASIInterpreter runs a WebAssembly build of an interpreter with wazero.
//   - StarlarkInterpreter runs Starlark in process.
//
// # Research
//
// ResearchAgent searches the web, fetches the top pages as markdown, trims the
// collected context to a token budget and asks the model for an answer. With
// no search provider it answers from the model alone.
package adapters
