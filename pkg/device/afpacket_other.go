//go:build !linux

package device

import "fmt"

// NewAFPacket is unavailable off Linux; the register model with an
// emulated bus is the only backend there.
func NewAFPacket(ifname string) (Device, error) {
	return nil, fmt.Errorf("afpacket: raw socket backend requires linux")
}
