// Command libswiboe builds the C library of swiboe:
//
//	go build -buildmode=c-shared -o libswiboe.so ./cmd/libswiboe
//
// The generated header declares the functions below. Every function returns a
// status code; swiboe_strerror describes it. The library reads its settings
// from the SWIBOE_* environment variables when it is first used.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

typedef uint16_t (*swiboe_rpc_callback)(const char* args);

// cgo cannot call C function pointers directly.
static inline uint16_t swiboe_invoke_callback(swiboe_rpc_callback cb, const char* args) {
	return cb(args);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/bridge"
	"github.com/igxactly-forks/swiboe/config"
)

var (
	libOnce sync.Once
	lib     *bridge.Bridge

	messagesOnce sync.Once
	messages     map[bridge.Code]*C.char // Never freed
	unknownCode  *C.char
)

// instance returns the process-wide bridge, configured from the environment.
func instance() *bridge.Bridge {
	libOnce.Do(func() {
		cfg, err := config.FromEnv()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			cfg = config.Default()
		}

		logger, logErr := cfg.Logger()
		if logErr != nil {
			logger = zap.NewNop()
		}
		if err != nil {
			logger.Warn("Ignoring invalid configuration", zap.Error(err))
		}

		opts, optErr := cfg.ClientOptions(logger)
		if optErr != nil {
			logger.Warn("Using default client options", zap.Error(optErr))
			opts = nil
		}
		lib = bridge.New(logger.Named("libswiboe"), opts...)
	})
	return lib
}

func code(err error) C.uint16_t {
	return C.uint16_t(bridge.CodeOf(err))
}

// goBytes copies a NUL-terminated C string without its terminator.
func goBytes(s *C.char) []byte {
	return C.GoBytes(unsafe.Pointer(s), C.int(C.strlen(s)))
}

// foreignCallback wraps cb so it receives a C heap copy of the arguments
// that lives until it returns.
func foreignCallback(cb C.swiboe_rpc_callback) bridge.Callback {
	return func(args []byte) uint16 {
		buf := C.CBytes(args)
		defer C.free(buf)
		return uint16(C.swiboe_invoke_callback(cb, (*C.char)(buf)))
	}
}

//export swiboe_connect
func swiboe_connect(socketName *C.char, clientOut *C.uintptr_t) C.uint16_t {
	if socketName == nil || clientOut == nil {
		return code(bridge.ErrNullPointer)
	}
	h, err := instance().Connect(goBytes(socketName))
	if err != nil {
		return code(err)
	}
	*clientOut = C.uintptr_t(h)
	return code(nil)
}

// swiboe_disconnect returns once no callback of client is running any more.
//
//export swiboe_disconnect
func swiboe_disconnect(client C.uintptr_t) C.uint16_t {
	return code(instance().Disconnect(bridge.Handle(client)))
}

//export swiboe_new_rpc
func swiboe_new_rpc(client C.uintptr_t, rpcName *C.char, priority C.uint16_t, callback C.swiboe_rpc_callback) C.uint16_t {
	if rpcName == nil || callback == nil {
		return code(bridge.ErrNullPointer)
	}
	err := instance().NewRPC(bridge.Handle(client), goBytes(rpcName), uint16(priority), foreignCallback(callback))
	return code(err)
}

//export swiboe_strerror
func swiboe_strerror(status C.uint16_t) *C.char {
	messagesOnce.Do(func() {
		messages = make(map[bridge.Code]*C.char)
		for c := bridge.CodeOK; c <= bridge.CodeInternal; c++ {
			messages[c] = C.CString(c.String())
		}
		unknownCode = C.CString("unknown error code")
	})
	if msg, ok := messages[bridge.Code(status)]; ok {
		return msg
	}
	return unknownCode
}

func main() {}
