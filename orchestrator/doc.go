// Package orchestrator drives tasks through the fixed collaboration
// pipeline:
//
//	Pending -> RequirementAnalysis -> RequirementConfirmation -> Planning
//	        -> Execution -> Evaluation -> Completed
//	                                   -> Revision -> Execution
//	                                   -> Failed
//
// Cancelled and Failed are reachable from every non-terminal status.
//
// Automated statuses map to Stage handlers in a state table. Each handler
// reserves an agent through the directory, records its step in the ledger,
// invokes the generation capability and returns a StepResult that the
// orchestrator persists with a compare-and-set on the task status. A task
// whose status changed meanwhile (for example by CancelTask) keeps its new
// status and the stage result is dropped.
//
// Drives run on a Runner keyed by task ID, so the stages of one task never
// overlap while different tasks proceed in parallel.
package orchestrator
