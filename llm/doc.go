/*
Package llm defines the generation capability the pipeline delegates every
stage to, plus the transports and decorators around it.

# Core types

  - Generator: Generate(ctx, GenerationConfig, prompt) -> Result{Text, Usage}.
  - OpenAICompat: chat-completions client for any OpenAI compatible endpoint.
  - RateLimited: token-bucket gate in front of a Generator.
  - Instrumented: spans, latency and token metrics around a Generator.
  - Estimator: tiktoken based counter that fills in usage when the upstream
    omits it.

Decorators compose outside-in:

	gen := llm.Instrumented(llm.RateLimited(llm.NewOpenAICompat(cfg, logger), limiter), metrics, logger)
*/
package llm
