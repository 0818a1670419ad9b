//go:build !linux

package uring

import "fmt"

// NewRing is only available on linux, where io_uring exists.
func NewRing(entries uint32) (Ring, error) {
	return nil, fmt.Errorf("io_uring requires linux")
}
