package vnet

import (
	"errors"
	"fmt"
)

var (
	// ErrAddressSpaceExhausted is returned once the host octet pool is consumed.
	ErrAddressSpaceExhausted = errors.New("address space exhausted")

	// ErrPacketLost is returned when the loss simulation drops a packet.
	// Callers get no retry and no further detail; a lost packet is
	// indistinguishable from a slow link on the receiving side.
	ErrPacketLost = errors.New("packet lost")
)

// ErrUnknownDestination is returned when a destination address is not routed.
type ErrUnknownDestination struct {
	Addr string
}

func (e *ErrUnknownDestination) Error() string {
	return fmt.Sprintf("unknown destination: %s", e.Addr)
}

// ErrAddressInUse is returned when registering with an explicit address that
// is already routed.
type ErrAddressInUse struct {
	Addr string
}

func (e *ErrAddressInUse) Error() string {
	return fmt.Sprintf("address already in use: %s", e.Addr)
}
