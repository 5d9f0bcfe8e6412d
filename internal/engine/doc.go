// Package engine ties the pieces together: it keeps the artifact registry,
// validates and interprets artifacts into orchestration decisions, and
// dispatches them through the strategy factory.
package engine
