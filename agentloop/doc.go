// Package agentloop is the LLM-backed stage executor. For each pipeline
// task it runs a bounded tool-calling loop against a unifiedllm.Client:
// the model may call the stage's granted sandbox tools, results are fed
// back truncated, and the loop ends when the model answers with a single
// JSON object, which becomes the stage output.
package agentloop
