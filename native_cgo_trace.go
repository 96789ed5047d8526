//go:build openh264cgo

package openh264

// #include <stdlib.h>
import "C"

import (
	"strings"
	"unsafe"

	pointer "github.com/mattn/go-pointer"
)

//export openh264GoTrace
func openh264GoTrace(ctx unsafe.Pointer, level C.int, msg *C.char) {
	if ctx == nil {
		return
	}
	fn, ok := pointer.Restore(ctx).(func(TraceLevel, string))
	if !ok {
		return
	}
	fn(TraceLevel(level), strings.TrimRight(C.GoString(msg), "\r\n"))
}
