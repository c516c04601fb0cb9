//go:build !windows

package safepath

import (
	"os"
	"syscall"
)

func deviceID(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return statDev(info)
}

func deviceIDIfExists(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return statDev(info)
}

func statDev(info os.FileInfo) (uint64, error) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, nil
	}
	return uint64(sys.Dev), nil
}
