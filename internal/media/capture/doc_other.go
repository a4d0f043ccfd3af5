//go:build !linux || !cgo

// Package capture is the hardware capture backend. It needs Linux and cgo;
// on other builds New reports that no devices are available.
package capture

import (
	"fmt"
	"runtime"

	"github.com/1ureka/peercall/internal/media"
)

// New always fails on this platform.
func New() (media.Devices, error) {
	return nil, fmt.Errorf("%w: hardware capture is not supported on %s (cgo required)", media.ErrNoDevices, runtime.GOOS)
}
