// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tapscript

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/ripemd160"
)

type opFunc func(*opcode, []byte, *Engine) error

// An opcode defines the information related to a txscript opcode. length is
// the encoded size of the opcode and its data, negative for the OP_PUSHDATA#
// opcodes where it names the size of the length prefix. args is the number
// of data stack items the opcode consumes, checked before opfunc runs.
type opcode struct {
	value  byte
	name   string
	length int
	args   int32
	opfunc opFunc
}

// opcodeArray holds details about all possible opcodes. It is filled in init
// from the btcd opcode names and the handler table below.
var opcodeArray [256]opcode

type opHandler struct {
	args int32
	fn   opFunc
}

var opcodeHandlers = map[byte]opHandler{
	txscript.OP_0:         {0, opcodeFalse},
	txscript.OP_PUSHDATA1: {0, opcodePushData},
	txscript.OP_PUSHDATA2: {0, opcodePushData},
	txscript.OP_PUSHDATA4: {0, opcodePushData},
	txscript.OP_1NEGATE:   {0, opcode1Negate},
	txscript.OP_RESERVED:  {0, opcodeReserved},

	// Control opcodes.
	txscript.OP_NOP:                 {0, opcodeNop},
	txscript.OP_VER:                 {0, opcodeReserved},
	txscript.OP_IF:                  {1, opcodeIf},
	txscript.OP_NOTIF:               {1, opcodeNotIf},
	txscript.OP_VERIF:               {0, opcodeReserved},
	txscript.OP_VERNOTIF:            {0, opcodeReserved},
	txscript.OP_ELSE:                {0, opcodeElse},
	txscript.OP_ENDIF:               {0, opcodeEndif},
	txscript.OP_VERIFY:              {1, opcodeVerify},
	txscript.OP_RETURN:              {0, opcodeReturn},
	txscript.OP_CHECKLOCKTIMEVERIFY: {1, opcodeCheckLockTimeVerify},
	txscript.OP_CHECKSEQUENCEVERIFY: {1, opcodeCheckSequenceVerify},

	// Stack opcodes.
	txscript.OP_TOALTSTACK:   {1, opcodeToAltStack},
	txscript.OP_FROMALTSTACK: {0, opcodeFromAltStack},
	txscript.OP_2DROP:        {2, opcode2Drop},
	txscript.OP_2DUP:         {2, opcode2Dup},
	txscript.OP_3DUP:         {3, opcode3Dup},
	txscript.OP_2OVER:        {4, opcode2Over},
	txscript.OP_2ROT:         {6, opcode2Rot},
	txscript.OP_2SWAP:        {4, opcode2Swap},
	txscript.OP_IFDUP:        {1, opcodeIfDup},
	txscript.OP_DEPTH:        {0, opcodeDepth},
	txscript.OP_DROP:         {1, opcodeDrop},
	txscript.OP_DUP:          {1, opcodeDup},
	txscript.OP_NIP:          {2, opcodeNip},
	txscript.OP_OVER:         {2, opcodeOver},
	txscript.OP_PICK:         {1, opcodePick},
	txscript.OP_ROLL:         {1, opcodeRoll},
	txscript.OP_ROT:          {3, opcodeRot},
	txscript.OP_SWAP:         {2, opcodeSwap},
	txscript.OP_TUCK:         {2, opcodeTuck},

	// Splice opcodes.
	txscript.OP_CAT:    {0, opcodeDisabled},
	txscript.OP_SUBSTR: {0, opcodeDisabled},
	txscript.OP_LEFT:   {0, opcodeDisabled},
	txscript.OP_RIGHT:  {0, opcodeDisabled},
	txscript.OP_SIZE:   {1, opcodeSize},

	// Bitwise logic opcodes.
	txscript.OP_INVERT:      {0, opcodeDisabled},
	txscript.OP_AND:         {0, opcodeDisabled},
	txscript.OP_OR:          {0, opcodeDisabled},
	txscript.OP_XOR:         {0, opcodeDisabled},
	txscript.OP_EQUAL:       {2, opcodeEqual},
	txscript.OP_EQUALVERIFY: {2, opcodeEqualVerify},
	txscript.OP_RESERVED1:   {0, opcodeReserved},
	txscript.OP_RESERVED2:   {0, opcodeReserved},

	// Numeric related opcodes.
	txscript.OP_1ADD:               {1, unaryNumOp(func(a scriptNum) scriptNum { return a + 1 })},
	txscript.OP_1SUB:               {1, unaryNumOp(func(a scriptNum) scriptNum { return a - 1 })},
	txscript.OP_2MUL:               {0, opcodeDisabled},
	txscript.OP_2DIV:               {0, opcodeDisabled},
	txscript.OP_NEGATE:             {1, unaryNumOp(func(a scriptNum) scriptNum { return -a })},
	txscript.OP_ABS:                {1, unaryNumOp(absNum)},
	txscript.OP_NOT:                {1, unaryNumOp(func(a scriptNum) scriptNum { return boolNum(a == 0) })},
	txscript.OP_0NOTEQUAL:          {1, unaryNumOp(func(a scriptNum) scriptNum { return boolNum(a != 0) })},
	txscript.OP_ADD:                {2, binaryNumOp(func(a, b scriptNum) scriptNum { return a + b })},
	txscript.OP_SUB:                {2, binaryNumOp(func(a, b scriptNum) scriptNum { return a - b })},
	txscript.OP_MUL:                {0, opcodeDisabled},
	txscript.OP_DIV:                {0, opcodeDisabled},
	txscript.OP_MOD:                {0, opcodeDisabled},
	txscript.OP_LSHIFT:             {0, opcodeDisabled},
	txscript.OP_RSHIFT:             {0, opcodeDisabled},
	txscript.OP_BOOLAND:            {2, binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a != 0 && b != 0) })},
	txscript.OP_BOOLOR:             {2, binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a != 0 || b != 0) })},
	txscript.OP_NUMEQUAL:           {2, opcodeNumEqual},
	txscript.OP_NUMEQUALVERIFY:     {2, opcodeNumEqualVerify},
	txscript.OP_NUMNOTEQUAL:        {2, binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a != b) })},
	txscript.OP_LESSTHAN:           {2, binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a < b) })},
	txscript.OP_GREATERTHAN:        {2, binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a > b) })},
	txscript.OP_LESSTHANOREQUAL:    {2, binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a <= b) })},
	txscript.OP_GREATERTHANOREQUAL: {2, binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a >= b) })},
	txscript.OP_MIN:                {2, binaryNumOp(minNum)},
	txscript.OP_MAX:                {2, binaryNumOp(maxNum)},
	txscript.OP_WITHIN:             {3, opcodeWithin},

	// Crypto opcodes.
	txscript.OP_RIPEMD160:           {1, hashOp(func(b []byte) []byte { return calcHash(b, ripemd160.New()) })},
	txscript.OP_SHA1:                {1, hashOp(func(b []byte) []byte { h := sha1.Sum(b); return h[:] })},
	txscript.OP_SHA256:              {1, hashOp(func(b []byte) []byte { h := sha256.Sum256(b); return h[:] })},
	txscript.OP_HASH160:             {1, hashOp(hash160)},
	txscript.OP_HASH256:             {1, hashOp(chainhash.DoubleHashB)},
	txscript.OP_CODESEPARATOR:       {0, opcodeCodeSeparator},
	txscript.OP_CHECKSIG:            {2, opcodeCheckSig},
	txscript.OP_CHECKSIGVERIFY:      {2, opcodeCheckSigVerify},
	// Multisig in tapscript goes through OP_CHECKSIGADD.
	txscript.OP_CHECKMULTISIG:       {0, opcodeDisabled},
	txscript.OP_CHECKMULTISIGVERIFY: {0, opcodeDisabled},
	txscript.OP_CHECKSIGADD:         {3, opcodeCheckSigAdd},

	// Reserved opcodes.
	txscript.OP_NOP1:  {0, opcodeNop},
	txscript.OP_NOP4:  {0, opcodeNop},
	txscript.OP_NOP5:  {0, opcodeNop},
	txscript.OP_NOP6:  {0, opcodeNop},
	txscript.OP_NOP7:  {0, opcodeNop},
	txscript.OP_NOP8:  {0, opcodeNop},
	txscript.OP_NOP9:  {0, opcodeNop},
	txscript.OP_NOP10: {0, opcodeNop},
}

// opcodeNameAliases are the entries of txscript.OpcodeByName that are not the
// canonical name of their opcode.
var opcodeNameAliases = map[string]struct{}{
	"OP_FALSE": {},
	"OP_TRUE":  {},
	"OP_NOP2":  {},
	"OP_NOP3":  {},
}

// OpcodeByName maps the human-readable opcode names, aliases included, to
// their values.
var OpcodeByName = make(map[string]byte)

func init() {
	for name, value := range txscript.OpcodeByName {
		OpcodeByName[name] = value
		if _, ok := opcodeNameAliases[name]; ok {
			continue
		}
		opcodeArray[value].name = name
	}

	for i := range opcodeArray {
		op := &opcodeArray[i]
		op.value = byte(i)
		if op.name == "" {
			op.name = fmt.Sprintf("OP_UNKNOWN%d", i)
		}

		switch {
		case op.value >= txscript.OP_DATA_1 && op.value <= txscript.OP_DATA_75:
			op.length = int(op.value) + 1
			op.opfunc = opcodePushData
			continue
		case op.value >= txscript.OP_1 && op.value <= txscript.OP_16:
			op.length = 1
			op.opfunc = opcodeN
			continue
		case op.value == txscript.OP_PUSHDATA1:
			op.length = -1
		case op.value == txscript.OP_PUSHDATA2:
			op.length = -2
		case op.value == txscript.OP_PUSHDATA4:
			op.length = -4
		default:
			op.length = 1
		}

		if h, ok := opcodeHandlers[op.value]; ok {
			op.args = h.args
			op.opfunc = h.fn
		} else {
			op.opfunc = opcodeInvalid
		}
	}
}

// disasmOpcode writes a human-readable disassembly of the provided opcode and
// data into the provided buffer. The compact flag prints small integers as
// their value and data pushes as plain hex.
func disasmOpcode(buf *strings.Builder, op *opcode, data []byte, compact bool) {
	if compact {
		switch {
		case op.value == txscript.OP_0:
			buf.WriteString("0")
		case op.value == txscript.OP_1NEGATE:
			buf.WriteString("-1")
		case op.value >= txscript.OP_1 && op.value <= txscript.OP_16:
			buf.WriteString(fmt.Sprintf("%d", op.value-(txscript.OP_1-1)))
		case op.length == 1:
			buf.WriteString(op.name)
		default:
			buf.WriteString(hex.EncodeToString(data))
		}
		return
	}

	buf.WriteString(op.name)

	switch op.length {
	case 1:
		return
	case -1:
		buf.WriteString(fmt.Sprintf(" 0x%02x", len(data)))
	case -2:
		buf.WriteString(fmt.Sprintf(" 0x%04x", len(data)))
	case -4:
		buf.WriteString(fmt.Sprintf(" 0x%08x", len(data)))
	}

	buf.WriteString(fmt.Sprintf(" 0x%02x", data))
}

// *******************************************
// Opcode implementation functions start here.
// *******************************************

// opcodeDisabled is the handler for disabled opcodes. They fail as soon as
// the program counter passes over them, even in a branch that is not
// executed, which executeOpcode takes care of.
func opcodeDisabled(op *opcode, data []byte, vm *Engine) error {
	str := fmt.Sprintf("attempt to execute disabled opcode %s", op.name)
	return scriptError(txscript.ErrDisabledOpcode, str)
}

func opcodeReserved(op *opcode, data []byte, vm *Engine) error {
	str := fmt.Sprintf("attempt to execute reserved opcode %s", op.name)
	return scriptError(txscript.ErrReservedOpcode, str)
}

func opcodeInvalid(op *opcode, data []byte, vm *Engine) error {
	str := fmt.Sprintf("attempt to execute invalid opcode %s", op.name)
	return scriptError(txscript.ErrReservedOpcode, str)
}

// opcodeFalse pushes an empty array, which is both false and the encoding of
// the number 0.
func opcodeFalse(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushByteArray(nil)
	return nil
}

func opcodePushData(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushByteArray(data)
	return nil
}

func opcode1Negate(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushInt(scriptNum(-1))
	return nil
}

// opcodeN pushes the small integer (1 to 16) the opcode represents.
func opcodeN(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushInt(scriptNum(op.value - (txscript.OP_1 - 1)))
	return nil
}

func opcodeNop(op *opcode, data []byte, vm *Engine) error {
	return nil
}

// popIfBool pops the condition of OP_IF/OP_NOTIF. Minimal if is always
// enforced in tapscript: the item must be empty or exactly 0x01.
func popIfBool(vm *Engine) (bool, error) {
	so, err := vm.dstack.PopByteArray()
	if err != nil {
		return false, err
	}

	if len(so) > 1 {
		str := fmt.Sprintf("minimal if is active, top element MUST "+
			"have a length of at most one, instead length is %v",
			len(so))
		return false, scriptError(txscript.ErrMinimalIf, str)
	}
	if len(so) == 1 && so[0] != 0x01 {
		str := fmt.Sprintf("minimal if is active, top stack item MUST "+
			"be an empty byte array or 0x01, is instead: %v",
			so[0])
		return false, scriptError(txscript.ErrMinimalIf, str)
	}

	return asBool(so), nil
}

// opcodeIf pushes an entry on the conditional stack depending on the popped
// boolean. Inside a non executing branch nothing is popped and the entry is
// OpCondSkip so nesting is kept.
//
// Data stack transformation: [... bool] -> [...]
// Conditional stack transformation: [...] -> [... OpCondValue]
func opcodeIf(op *opcode, data []byte, vm *Engine) error {
	return pushCondition(vm, false)
}

// opcodeNotIf is opcodeIf with the condition inverted.
func opcodeNotIf(op *opcode, data []byte, vm *Engine) error {
	return pushCondition(vm, true)
}

func pushCondition(vm *Engine, invert bool) error {
	condVal := txscript.OpCondSkip
	if vm.isBranchExecuting() {
		ok, err := popIfBool(vm)
		if err != nil {
			return err
		}
		condVal = txscript.OpCondFalse
		if ok != invert {
			condVal = txscript.OpCondTrue
		}
	}
	vm.condStack = append(vm.condStack, condVal)
	return nil
}

// opcodeElse inverts conditional execution for other half of if/else/endif.
//
// Conditional stack transformation: [... OpCondValue] -> [... !OpCondValue]
func opcodeElse(op *opcode, data []byte, vm *Engine) error {
	if len(vm.condStack) == 0 {
		str := fmt.Sprintf("encountered opcode %s with no matching "+
			"opcode to begin conditional execution", op.name)
		return scriptError(txscript.ErrUnbalancedConditional, str)
	}

	conditionalIdx := len(vm.condStack) - 1
	switch vm.condStack[conditionalIdx] {
	case txscript.OpCondTrue:
		vm.condStack[conditionalIdx] = txscript.OpCondFalse
	case txscript.OpCondFalse:
		vm.condStack[conditionalIdx] = txscript.OpCondTrue
	}
	return nil
}

// opcodeEndif terminates a conditional block.
//
// Conditional stack transformation: [... OpCondValue] -> [...]
func opcodeEndif(op *opcode, data []byte, vm *Engine) error {
	if len(vm.condStack) == 0 {
		str := fmt.Sprintf("encountered opcode %s with no matching "+
			"opcode to begin conditional execution", op.name)
		return scriptError(txscript.ErrUnbalancedConditional, str)
	}

	vm.condStack = vm.condStack[:len(vm.condStack)-1]
	return nil
}

// abstractVerify pops the top item as a boolean and fails with the passed
// error code when it is false.
func abstractVerify(op *opcode, vm *Engine, c txscript.ErrorCode) error {
	verified, err := vm.dstack.PopBool()
	if err != nil {
		return err
	}

	if !verified {
		str := fmt.Sprintf("%s failed", op.name)
		return scriptError(c, str)
	}
	return nil
}

func opcodeVerify(op *opcode, data []byte, vm *Engine) error {
	return abstractVerify(op, vm, txscript.ErrVerify)
}

func opcodeReturn(op *opcode, data []byte, vm *Engine) error {
	return scriptError(txscript.ErrEarlyReturn, "script returned early")
}

// Main data stack transformation: [... x1 x2 x3] -> [... x1 x2]
// Alt data stack transformation:  [... y1 y2 y3] -> [... y1 y2 y3 x3]
func opcodeToAltStack(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	vm.astack.PushByteArray(so)
	return nil
}

// Main data stack transformation: [... x1 x2 x3] -> [... x1 x2 x3 y3]
// Alt data stack transformation:  [... y1 y2 y3] -> [... y1 y2]
func opcodeFromAltStack(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.astack.PopByteArray()
	if err != nil {
		return err
	}
	vm.dstack.PushByteArray(so)
	return nil
}

// Stack transformation: [... x1 x2 x3] -> [... x1]
func opcode2Drop(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.DropN(2)
}

// Stack transformation: [... x1 x2 x3] -> [... x1 x2 x3 x2 x3]
func opcode2Dup(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.DupN(2)
}

// Stack transformation: [... x1 x2 x3] -> [... x1 x2 x3 x1 x2 x3]
func opcode3Dup(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.DupN(3)
}

// Stack transformation: [... x1 x2 x3 x4] -> [... x1 x2 x3 x4 x1 x2]
func opcode2Over(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.OverN(2)
}

// Stack transformation: [... x1 x2 x3 x4 x5 x6] -> [... x3 x4 x5 x6 x1 x2]
func opcode2Rot(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.RotN(2)
}

// Stack transformation: [... x1 x2 x3 x4] -> [... x3 x4 x1 x2]
func opcode2Swap(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.SwapN(2)
}

// opcodeIfDup duplicates the top item of the stack if it is not zero.
func opcodeIfDup(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PeekByteArray(0)
	if err != nil {
		return err
	}
	if asBool(so) {
		vm.dstack.PushByteArray(so)
	}
	return nil
}

// Stack transformation: [x1 x2 x3] -> [x1 x2 x3 3]
func opcodeDepth(op *opcode, data []byte, vm *Engine) error {
	vm.dstack.PushInt(scriptNum(vm.dstack.Depth()))
	return nil
}

func opcodeDrop(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.DropN(1)
}

func opcodeDup(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.DupN(1)
}

// Stack transformation: [... x1 x2 x3] -> [... x1 x3]
func opcodeNip(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.NipN(1)
}

// Stack transformation: [... x1 x2 x3] -> [... x1 x2 x3 x2]
func opcodeOver(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.OverN(1)
}

// opcodePick copies the item n back in the stack to the top.
//
// Stack transformation: [xn ... x2 x1 x0 n] -> [xn ... x2 x1 x0 xn]
func opcodePick(op *opcode, data []byte, vm *Engine) error {
	val, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	if err := vm.requireDepth(op, val.Int32()+1); err != nil {
		return err
	}
	return vm.dstack.PickN(val.Int32())
}

// opcodeRoll moves the item n back in the stack to the top.
//
// Stack transformation: [xn ... x2 x1 x0 n] -> [... x2 x1 x0 xn]
func opcodeRoll(op *opcode, data []byte, vm *Engine) error {
	val, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	if err := vm.requireDepth(op, val.Int32()+1); err != nil {
		return err
	}
	return vm.dstack.RollN(val.Int32())
}

// Stack transformation: [... x1 x2 x3] -> [... x2 x3 x1]
func opcodeRot(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.RotN(1)
}

// Stack transformation: [... x1 x2] -> [... x2 x1]
func opcodeSwap(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.SwapN(1)
}

// Stack transformation: [... x1 x2] -> [... x2 x1 x2]
func opcodeTuck(op *opcode, data []byte, vm *Engine) error {
	return vm.dstack.Tuck()
}

// Stack transformation: [... x1] -> [... x1 len(x1)]
func opcodeSize(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PeekByteArray(0)
	if err != nil {
		return err
	}
	vm.dstack.PushInt(scriptNum(len(so)))
	return nil
}

// Stack transformation: [... x1 x2] -> [... bool]
func opcodeEqual(op *opcode, data []byte, vm *Engine) error {
	a, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	b, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	vm.dstack.PushBool(bytes.Equal(a, b))
	return nil
}

func opcodeEqualVerify(op *opcode, data []byte, vm *Engine) error {
	err := opcodeEqual(op, data, vm)
	if err == nil {
		err = abstractVerify(op, vm, txscript.ErrEqualVerify)
	}
	return err
}

// unaryNumOp replaces the top item, read as a number, with f applied to it.
func unaryNumOp(f func(scriptNum) scriptNum) opFunc {
	return func(op *opcode, data []byte, vm *Engine) error {
		m, err := vm.dstack.PopInt()
		if err != nil {
			return err
		}
		vm.dstack.PushInt(f(m))
		return nil
	}
}

// binaryNumOp pops the top two items as numbers and pushes f(x1, x2) where x2
// was the top of the stack.
//
// Stack transformation: [... x1 x2] -> [... f(x1, x2)]
func binaryNumOp(f func(scriptNum, scriptNum) scriptNum) opFunc {
	return func(op *opcode, data []byte, vm *Engine) error {
		v0, err := vm.dstack.PopInt()
		if err != nil {
			return err
		}
		v1, err := vm.dstack.PopInt()
		if err != nil {
			return err
		}
		vm.dstack.PushInt(f(v1, v0))
		return nil
	}
}

func boolNum(v bool) scriptNum {
	if v {
		return 1
	}
	return 0
}

func absNum(a scriptNum) scriptNum {
	if a < 0 {
		return -a
	}
	return a
}

func minNum(a, b scriptNum) scriptNum {
	if a < b {
		return a
	}
	return b
}

func maxNum(a, b scriptNum) scriptNum {
	if a > b {
		return a
	}
	return b
}

var opcodeNumEqual = binaryNumOp(func(a, b scriptNum) scriptNum { return boolNum(a == b) })

func opcodeNumEqualVerify(op *opcode, data []byte, vm *Engine) error {
	err := opcodeNumEqual(op, data, vm)
	if err == nil {
		err = abstractVerify(op, vm, txscript.ErrNumEqualVerify)
	}
	return err
}

// opcodeWithin pushes whether x is within [min, max).
//
// Stack transformation: [... x min max] -> [... bool]
func opcodeWithin(op *opcode, data []byte, vm *Engine) error {
	maxVal, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	minVal, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	x, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	vm.dstack.PushBool(x >= minVal && x < maxVal)
	return nil
}

func calcHash(buf []byte, hasher hash.Hash) []byte {
	hasher.Write(buf)
	return hasher.Sum(nil)
}

func hash160(buf []byte) []byte {
	h := sha256.Sum256(buf)
	return calcHash(h[:], ripemd160.New())
}

// hashOp replaces the top item with its hash.
func hashOp(f func([]byte) []byte) opFunc {
	return func(op *opcode, data []byte, vm *Engine) error {
		buf, err := vm.dstack.PopByteArray()
		if err != nil {
			return err
		}
		vm.dstack.PushByteArray(f(buf))
		return nil
	}
}

// opcodeCodeSeparator records the position of the separator, which is
// committed to by the signatures checked after it.
func opcodeCodeSeparator(op *opcode, data []byte, vm *Engine) error {
	vm.lastCodeSep = uint32(vm.opcodeIdx)
	return nil
}

// opcodeCheckSig pops a public key and a signature and pushes whether the
// signature is valid. An empty signature pushes false.
//
// Stack transformation: [... signature pubkey] -> [... bool]
func opcodeCheckSig(op *opcode, data []byte, vm *Engine) error {
	pkBytes, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	sigBytes, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}

	valid, err := vm.checkSignature(op, sigBytes, pkBytes)
	if err != nil {
		return err
	}
	vm.dstack.PushBool(valid)
	return nil
}

func opcodeCheckSigVerify(op *opcode, data []byte, vm *Engine) error {
	err := opcodeCheckSig(op, data, vm)
	if err == nil {
		err = abstractVerify(op, vm, txscript.ErrCheckSigVerify)
	}
	return err
}

// opcodeCheckSigAdd pops a public key, a number and a signature and pushes
// the number incremented when the signature is valid.
//
// Stack transformation: [... signature n pubkey] -> [... n+success]
func opcodeCheckSigAdd(op *opcode, data []byte, vm *Engine) error {
	pkBytes, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}
	n, err := vm.dstack.PopInt()
	if err != nil {
		return err
	}
	sigBytes, err := vm.dstack.PopByteArray()
	if err != nil {
		return err
	}

	valid, err := vm.checkSignature(op, sigBytes, pkBytes)
	if err != nil {
		return err
	}
	if valid {
		n++
	}
	vm.dstack.PushInt(n)
	return nil
}

// opcodeCheckLockTimeVerify fails unless the transaction locktime satisfies
// the top stack item. The item is left on the stack. Without a transaction
// context only the operand is validated.
func opcodeCheckLockTimeVerify(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PeekByteArray(0)
	if err != nil {
		return err
	}
	lockTime, err := makeScriptNum(so, vm.dstack.verifyMinimalData, cltvScriptNumLen)
	if err != nil {
		return err
	}
	if lockTime < 0 {
		str := fmt.Sprintf("negative lock time: %d", lockTime)
		return scriptError(txscript.ErrNegativeLockTime, str)
	}
	if vm.sigCtx == nil {
		return nil
	}

	tx := vm.sigCtx.Tx
	if err := verifyLockTime(int64(tx.LockTime), txscript.LockTimeThreshold, int64(lockTime)); err != nil {
		return err
	}

	// A final input opts out of the locktime entirely.
	if tx.TxIn[vm.sigCtx.InputIndex].Sequence == maxTxInSequenceNum {
		return scriptError(txscript.ErrUnsatisfiedLockTime,
			"transaction input is finalized")
	}
	return nil
}

// opcodeCheckSequenceVerify fails unless the input sequence satisfies the
// relative locktime in the top stack item. The item is left on the stack.
func opcodeCheckSequenceVerify(op *opcode, data []byte, vm *Engine) error {
	so, err := vm.dstack.PeekByteArray(0)
	if err != nil {
		return err
	}
	stackSequence, err := makeScriptNum(so, vm.dstack.verifyMinimalData, cltvScriptNumLen)
	if err != nil {
		return err
	}
	if stackSequence < 0 {
		str := fmt.Sprintf("negative sequence: %d", stackSequence)
		return scriptError(txscript.ErrNegativeLockTime, str)
	}

	sequence := int64(stackSequence)
	if sequence&int64(sequenceLockTimeDisabled) != 0 || vm.sigCtx == nil {
		return nil
	}

	tx := vm.sigCtx.Tx
	if tx.Version < 2 {
		str := fmt.Sprintf("invalid transaction version: %d", tx.Version)
		return scriptError(txscript.ErrUnsatisfiedLockTime, str)
	}

	txSequence := int64(tx.TxIn[vm.sigCtx.InputIndex].Sequence)
	if txSequence&int64(sequenceLockTimeDisabled) != 0 {
		str := fmt.Sprintf("transaction sequence has sequence "+
			"locktime disabled bit set: 0x%x", txSequence)
		return scriptError(txscript.ErrUnsatisfiedLockTime, str)
	}

	lockTimeMask := int64(sequenceLockTimeIsSeconds | sequenceLockTimeMask)
	return verifyLockTime(txSequence&lockTimeMask, sequenceLockTimeIsSeconds, sequence&lockTimeMask)
}

const (
	maxTxInSequenceNum        uint32 = 0xffffffff
	sequenceLockTimeDisabled  uint32 = 1 << 31
	sequenceLockTimeIsSeconds        = 1 << 22
	sequenceLockTimeMask             = 0x0000ffff
)

// verifyLockTime checks that both lock times are of the same type, blocks or
// seconds, and that the transaction one is not lower than the script one.
func verifyLockTime(txLockTime, threshold, lockTime int64) error {
	if !((txLockTime < threshold && lockTime < threshold) ||
		(txLockTime >= threshold && lockTime >= threshold)) {
		str := fmt.Sprintf("mismatched locktime types -- tx locktime "+
			"%d, stack locktime %d", txLockTime, lockTime)
		return scriptError(txscript.ErrUnsatisfiedLockTime, str)
	}

	if lockTime > txLockTime {
		str := fmt.Sprintf("locktime requirement not satisfied -- "+
			"locktime is greater than the transaction locktime: "+
			"%d > %d", lockTime, txLockTime)
		return scriptError(txscript.ErrUnsatisfiedLockTime, str)
	}
	return nil
}
