// Package backend defines the interface every execution backend (native
// process, container, Firecracker microVM) implements, the types exchanged
// between the engine and a backend, and helpers backends share: the task
// environment, scratch directories, output capture and artifact collection.
package backend
