//go:build !capture

package capture

import "fmt"

func newDevices() (Source, error) {
	return nil, fmt.Errorf("%w: built without the capture tag", ErrNoDevice)
}
