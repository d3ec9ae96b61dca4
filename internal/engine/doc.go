// Package engine runs one task on the backend that matches the chosen
// worker. It enforces the task deadline through a context, turns every
// failure into a result, and fans output lines out to the store and to
// live log subscribers.
package engine
