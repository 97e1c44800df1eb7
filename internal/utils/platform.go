package utils

import (
	"runtime"
)

func HostOs() string {
	return runtime.GOOS
}
