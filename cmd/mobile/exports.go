//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

// Every returned string is allocated with malloc; release it with
// FieldsyncFreeString.

//export FieldsyncInit
func FieldsyncInit(optionsJSON *C.char) *C.char {
	return C.CString(shared.init(C.GoString(optionsJSON)))
}

//export FieldsyncShutdown
func FieldsyncShutdown() *C.char {
	return C.CString(shared.shutdown())
}

//export FieldsyncCall
func FieldsyncCall(method, argsJSON *C.char) *C.char {
	return C.CString(shared.call(C.GoString(method), C.GoString(argsJSON)))
}

//export FieldsyncSetReachable
func FieldsyncSetReachable(reachable C.int) *C.char {
	return C.CString(shared.setReachable(reachable != 0))
}

//export FieldsyncPollEvents
func FieldsyncPollEvents() *C.char {
	return C.CString(shared.pollEvents())
}

//export FieldsyncFreeString
func FieldsyncFreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
