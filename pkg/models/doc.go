// Package models defines the records that flow through the remediation
// pipeline: signals, issues, workflows with their steps, and audit entries,
// together with the closed enumerations they use.
package models
