//go:build !linux

package main

import "errors"

func openMem(b *backend, o *options) error {
	return errors.New("mem: physical memory access requires Linux")
}

func openUIO(b *backend, o *options) error {
	return errors.New("uio: requires Linux")
}
