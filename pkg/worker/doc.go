// Package worker consumes broker tasks and executes them through the
// processor registry under repository claims.
package worker
