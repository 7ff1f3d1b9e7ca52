// Package overlay abstracts membership of the virtual network the tracker and peers
// share.
package overlay

import "context"

// Network joins and leaves the overlay.
type Network interface {
	// Join brings the host onto the overlay and returns its overlay address.
	Join(ctx context.Context) (string, error)
	Leave(ctx context.Context) error
}

// Static is a Network already joined at a fixed address.
type Static struct {
	IP string
}

var _ Network = Static{}

// Join returns the configured address.
func (s Static) Join(context.Context) (string, error) { return s.IP, nil }

// Leave does nothing.
func (Static) Leave(context.Context) error { return nil }
