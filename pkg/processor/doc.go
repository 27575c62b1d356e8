// Package processor maps job types to their execution logic: subject
// classification, full email analysis and document embedding. Each
// processor checks the monthly cost gate once before doing any
// provider work.
package processor
