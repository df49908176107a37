// Package lights defines the capability interface to the external smart-light
// control surface. The core depends only on these interfaces, never on a
// concrete integration.
package lights

import (
	"context"
	"time"

	"github.com/dokzlo13/ledsyncd/internal/color"
)

// Controller reads and commands individual lights by identifier.
type Controller interface {
	// GetColor returns a light's currently displayed color with its
	// brightness already folded in multiplicatively. ok=false means the
	// light reports no resolvable color (off, unreachable, unknown) -
	// distinct from a commanded black.
	GetColor(id string) (color.RGB, bool)

	// TurnOn sets color and brightness, optionally over a transition.
	TurnOn(ctx context.Context, id string, c color.RGB, brightness uint8, transition time.Duration) error

	// TurnOff switches the light off, optionally over a transition.
	TurnOff(ctx context.Context, id string, transition time.Duration) error
}

// Watcher delivers state-change notifications for a set of lights. The
// callback carries no payload; observers read fresh state through the
// Controller. The returned stop function is idempotent.
type Watcher interface {
	Watch(ids []string, fn func()) (stop func(), err error)
}
