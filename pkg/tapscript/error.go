// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2019 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tapscript

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// scriptError creates an Error given a set of arguments.
func scriptError(c txscript.ErrorCode, desc string) txscript.Error {
	return txscript.Error{ErrorCode: c, Description: desc}
}

// MissingArgumentsError is returned when an opcode is executed with fewer
// items on the data stack than it consumes.
type MissingArgumentsError struct {
	Opcode string
	Needed int
	Depth  int
}

func (e *MissingArgumentsError) Error() string {
	return fmt.Sprintf(
		"%s requires %d stack items, stack has %d", e.Opcode, e.Needed, e.Depth,
	)
}

// Unwrap allows callers to treat a missing arguments error as an invalid
// stack operation.
func (e *MissingArgumentsError) Unwrap() error {
	return scriptError(txscript.ErrInvalidStackOperation, e.Error())
}

// IsErrorCode returns whether err is, or wraps, a script error with the given
// code.
func IsErrorCode(err error, c txscript.ErrorCode) bool {
	var serr txscript.Error
	if errors.As(err, &serr) {
		return serr.ErrorCode == c
	}
	return false
}
