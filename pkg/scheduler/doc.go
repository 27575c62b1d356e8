// Package scheduler runs the periodic beats that keep the pipeline
// moving: sweeping pending jobs onto the broker, promoting delayed
// tasks, and recovering jobs whose processing lock expired.
package scheduler
