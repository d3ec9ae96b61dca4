package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string. Tasks submitted without an id get one.
func NewID() string {
	return ulid.Make().String()
}
