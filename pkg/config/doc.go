// Package config loads the opsflow application configuration.
//
// Configuration is written in CUE (opsflow.cue by default). The file is
// unified with an embedded schema that closes the set of fields, constrains
// values and supplies defaults, so an empty file is a valid configuration:
//
//	llm: {
//		provider: "azure"
//		model:    "gpt-4o"
//		endpoint: "https://my-resource.openai.azure.com"
//	}
//	runner: max_parallel: 4
//	code: interpreter:    "starlark"
//
// After decoding, API keys and the username are filled from the environment
// (OPENAI_API_KEY, AZURE_OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY,
// EXA_API_KEY, USER) and the struct is checked with validator tags.
package config
