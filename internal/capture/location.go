package capture

import (
	"context"
	"errors"

	"github.com/ent0n29/memories/internal/apperr"
)

// Locator resolves the device position. A permission problem is reported
// as an apperr.CodePermission error.
type Locator interface {
	Locate(ctx context.Context) (lat, lon float64, err error)
}

// StaticLocator returns fixed coordinates, or ErrNoFix when unset.
type StaticLocator struct {
	Lat, Lon float64
	Set      bool
	Denied   bool
}

func (s StaticLocator) Locate(ctx context.Context) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if s.Denied {
		return 0, 0, apperr.NewPermission("location permission denied")
	}
	if !s.Set {
		return 0, 0, ErrNoFix
	}
	return s.Lat, s.Lon, nil
}

var ErrNoFix = errors.New("no location fix available")
