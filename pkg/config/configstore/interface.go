// Package configstore defines where a configuration document lives.
package configstore

import "context"

// ConfigStore loads and saves one configuration document. Implementations
// decode into and encode from the YAML shape of the document, so the same
// struct tags apply whichever backend holds it.
type ConfigStore interface {
	Load(ctx context.Context, out any) error
	Save(ctx context.Context, in any) error
}

// Watcher is implemented by stores that can report changes. onChange runs
// on the watcher's goroutine until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
