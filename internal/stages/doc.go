// Package stages holds the executors of the lakehouse stage graph: window
// discovery, the bronze batch load, the lookup load and SQL transformations.
package stages

import "errors"

var (
	ErrMissingInput  = errors.New("missing upstream input")
	ErrUnknownParam  = errors.New("unknown script parameter")
	ErrMissingLookup = errors.New("lookup file not found")
)
