// Package evaluation fans a finished task out to several evaluator agents,
// joins on every verdict and turns the approval rate into a pipeline decision.
//
// Evaluator output is parsed leniently: text without a usable JSON verdict
// yields the conservative default (score 0.7, needs_improvement), which never
// approves. Invocation failures mark the evaluation failed and exclude it
// from the rate.
package evaluation
