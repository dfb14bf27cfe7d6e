// Package reasoning produces root-cause drafts for signal clusters.
//
// A Strategy first asks an OpenAI-compatible chat completions API (Groq by
// default) for a JSON analysis. When no key is configured, the call fails,
// the status is not 200, or the answer does not decode into a valid
// category and impact, the deterministic Classify function is used instead,
// so a draft is always produced.
package reasoning
