// Copyright (c) 2013-2018 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package tapscript implements a tapscript interpreter forked from
// btcd/txscript. It is meant to validate witnesses before they are
// broadcast, and to run spending condition unit tests offline. It is not a
// consensus engine.
//
// Differences from the upstream engine:
//   - Only tapscript leaf execution is supported.
//   - The maximum script size and operation count are set per call, zero
//     meaning unlimited.
//   - Every opcode declares how many data stack items it consumes and a
//     MissingArgumentsError is returned when the stack is shallower.
//   - Signature checks can be configured to never fail the script.
package tapscript

import (
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
)

const (
	// MaxStackSize is the maximum combined height of stack and alt stack
	// during execution.
	MaxStackSize = 1000

	// MaxElementSize is the maximum number of bytes that can be pushed to
	// the stack.
	MaxElementSize = txscript.MaxScriptElementSize

	// blankCodeSepValue is the code separator position committed by the
	// sighash when no OP_CODESEPARATOR was executed.
	blankCodeSepValue = math.MaxUint32
)

// Options modify the execution limits and behavior of a single evaluation.
type Options struct {
	// MaxScriptSize is the maximum length of the script, 0 means no limit.
	MaxScriptSize int
	// MaxOpCount is the maximum number of non push opcodes, 0 means no
	// limit.
	MaxOpCount int
	// IgnoreSignatureErrors makes every signature opcode succeed, including
	// empty signatures and keys. Every ignored failure is logged as a
	// warning.
	IgnoreSignatureErrors bool
	// SkipStackVerification disables the final stack check, letting a
	// script end with any stack content.
	SkipStackVerification bool
}

// SigContext is the transaction an evaluated script is spending from. It is
// needed to compute the signature hash and to check locktimes.
type SigContext struct {
	Tx             *wire.MsgTx
	InputIndex     int
	PrevOutFetcher txscript.PrevOutputFetcher
	sigHashes      *txscript.TxSigHashes
}

func NewSigContext(
	tx *wire.MsgTx, inputIndex int, prevOutFetcher txscript.PrevOutputFetcher,
) *SigContext {
	return &SigContext{
		Tx:             tx,
		InputIndex:     inputIndex,
		PrevOutFetcher: prevOutFetcher,
		sigHashes:      txscript.NewTxSigHashes(tx, prevOutFetcher),
	}
}

// Engine is the virtual machine that executes tapscripts.
type Engine struct {
	// opts and sigCtx are set when the engine is created and must not be
	// changed afterwards.
	opts   Options
	sigCtx *SigContext

	// script is the tapscript being executed and tapLeafHash its leaf hash,
	// committed to by signatures.
	script      []byte
	tapLeafHash chainhash.Hash

	// tokenizer provides the token stream of the script and doubles as the
	// program counter. opcodeIdx is the number of the next opcode, used for
	// disassembly and code separator positions.
	tokenizer txscript.ScriptTokenizer
	opcodeIdx int

	// lastCodeSep is the opcode position of the last executed
	// OP_CODESEPARATOR.
	lastCodeSep uint32

	dstack    stack
	astack    stack
	condStack []int
	numOps    int
}

// isBranchExecuting returns whether or not the current conditional branch is
// actively executing. It properly handles nested conditionals.
func (vm *Engine) isBranchExecuting() bool {
	if len(vm.condStack) == 0 {
		return true
	}
	return vm.condStack[len(vm.condStack)-1] == txscript.OpCondTrue
}

// isOpcodeDisabled returns whether or not the opcode is disabled and thus is
// always bad to see in the instruction stream, even if turned off by a
// conditional.
func isOpcodeDisabled(opcode byte) bool {
	switch opcode {
	case txscript.OP_CAT, txscript.OP_SUBSTR, txscript.OP_LEFT, txscript.OP_RIGHT,
		txscript.OP_INVERT, txscript.OP_AND, txscript.OP_OR, txscript.OP_XOR,
		txscript.OP_2MUL, txscript.OP_2DIV, txscript.OP_MUL, txscript.OP_DIV,
		txscript.OP_MOD, txscript.OP_LSHIFT, txscript.OP_RSHIFT:
		return true
	default:
		return false
	}
}

// isOpcodeAlwaysIllegal returns whether or not the opcode is illegal when
// passed over by the program counter, even in a non-executed branch.
func isOpcodeAlwaysIllegal(opcode byte) bool {
	return opcode == txscript.OP_VERIF || opcode == txscript.OP_VERNOTIF
}

// isOpcodeConditional returns whether or not the opcode changes the
// conditional execution stack when executed.
func isOpcodeConditional(opcode byte) bool {
	switch opcode {
	case txscript.OP_IF, txscript.OP_NOTIF, txscript.OP_ELSE, txscript.OP_ENDIF:
		return true
	default:
		return false
	}
}

// checkMinimalDataPush returns whether or not the provided opcode is the
// smallest possible way to represent the given data.
func checkMinimalDataPush(op *opcode, data []byte) error {
	opcodeVal := op.value
	dataLen := len(data)
	switch {
	case dataLen == 0 && opcodeVal != txscript.OP_0:
		str := fmt.Sprintf("zero length data push is encoded with opcode %s "+
			"instead of OP_0", op.name)
		return scriptError(txscript.ErrMinimalData, str)
	case dataLen == 1 && data[0] >= 1 && data[0] <= 16:
		if opcodeVal != txscript.OP_1+data[0]-1 {
			str := fmt.Sprintf("data push of the value %d encoded with opcode "+
				"%s instead of OP_%d", data[0], op.name, data[0])
			return scriptError(txscript.ErrMinimalData, str)
		}
	case dataLen == 1 && data[0] == 0x81:
		if opcodeVal != txscript.OP_1NEGATE {
			str := fmt.Sprintf("data push of the value -1 encoded with opcode "+
				"%s instead of OP_1NEGATE", op.name)
			return scriptError(txscript.ErrMinimalData, str)
		}
	case dataLen <= 75:
		if int(opcodeVal) != dataLen {
			str := fmt.Sprintf("data push of %d bytes encoded with opcode %s "+
				"instead of OP_DATA_%d", dataLen, op.name, dataLen)
			return scriptError(txscript.ErrMinimalData, str)
		}
	case dataLen <= 255:
		if opcodeVal != txscript.OP_PUSHDATA1 {
			str := fmt.Sprintf("data push of %d bytes encoded with opcode %s "+
				"instead of OP_PUSHDATA1", dataLen, op.name)
			return scriptError(txscript.ErrMinimalData, str)
		}
	case dataLen <= 65535:
		if opcodeVal != txscript.OP_PUSHDATA2 {
			str := fmt.Sprintf("data push of %d bytes encoded with opcode %s "+
				"instead of OP_PUSHDATA2", dataLen, op.name)
			return scriptError(txscript.ErrMinimalData, str)
		}
	}
	return nil
}

// requireDepth fails with a MissingArgumentsError when the data stack holds
// fewer than n items.
func (vm *Engine) requireDepth(op *opcode, n int32) error {
	if depth := vm.dstack.Depth(); depth < n {
		return &MissingArgumentsError{
			Opcode: op.name,
			Needed: int(n),
			Depth:  int(depth),
		}
	}
	return nil
}

// executeOpcode performs execution on the passed opcode. It takes into
// account whether or not it is hidden by conditionals, but some rules still
// must be tested in this case.
func (vm *Engine) executeOpcode(op *opcode, data []byte) error {
	if isOpcodeDisabled(op.value) {
		str := fmt.Sprintf("attempt to execute disabled opcode %s", op.name)
		return scriptError(txscript.ErrDisabledOpcode, str)
	}

	if isOpcodeAlwaysIllegal(op.value) {
		str := fmt.Sprintf("attempt to execute reserved opcode %s", op.name)
		return scriptError(txscript.ErrReservedOpcode, str)
	}

	// Note that this includes OP_RESERVED which counts as a push operation.
	if op.value > txscript.OP_16 {
		vm.numOps++
		if vm.opts.MaxOpCount > 0 && vm.numOps > vm.opts.MaxOpCount {
			str := fmt.Sprintf("exceeded max operation limit of %d",
				vm.opts.MaxOpCount)
			return scriptError(txscript.ErrTooManyOperations, str)
		}
	} else if len(data) > MaxElementSize {
		str := fmt.Sprintf("element size %d exceeds max allowed size %d",
			len(data), MaxElementSize)
		return scriptError(txscript.ErrElementTooBig, str)
	}

	// Nothing left to do when this is not a conditional opcode and it is
	// not in an executing branch.
	if !vm.isBranchExecuting() && !isOpcodeConditional(op.value) {
		return nil
	}

	if vm.isBranchExecuting() {
		if op.value <= txscript.OP_PUSHDATA4 {
			if err := checkMinimalDataPush(op, data); err != nil {
				return err
			}
		}
		if err := vm.requireDepth(op, op.args); err != nil {
			return err
		}
	}

	return op.opfunc(op, data, vm)
}

// checkSignature verifies a tapscript signature against the public key.
// Empty signatures are not an error and yield false. Public keys that are
// not 32 bytes long are of an unknown type and always succeed. With
// IgnoreSignatureErrors every check succeeds, empty signatures and keys
// included.
func (vm *Engine) checkSignature(op *opcode, sig, pubKey []byte) (bool, error) {
	valid, err := vm.verifySignature(sig, pubKey)
	if vm.opts.IgnoreSignatureErrors && (!valid || err != nil) {
		if err == nil {
			err = fmt.Errorf("empty signature")
		}
		logrus.WithError(err).Warnf(
			"ignoring signature failure of %s at opcode %d", op.name, vm.opcodeIdx,
		)
		return true, nil
	}
	return valid, err
}

func (vm *Engine) verifySignature(sig, pubKey []byte) (bool, error) {
	if len(pubKey) == 0 {
		return false, scriptError(txscript.ErrTaprootPubkeyIsEmpty,
			"tapscript public key is empty")
	}
	if len(sig) == 0 {
		return false, nil
	}
	if len(pubKey) != 32 {
		return true, nil
	}

	if err := vm.verifySchnorr(sig, pubKey); err != nil {
		return false, err
	}
	return true, nil
}

func (vm *Engine) verifySchnorr(rawSig, rawPubKey []byte) error {
	if vm.sigCtx == nil {
		return scriptError(txscript.ErrTaprootSigInvalid,
			"no transaction to verify the signature against")
	}

	hashType := txscript.SigHashDefault
	switch len(rawSig) {
	case schnorr.SignatureSize:
	case schnorr.SignatureSize + 1:
		hashType = txscript.SigHashType(rawSig[schnorr.SignatureSize])
		if hashType == txscript.SigHashDefault {
			return scriptError(txscript.ErrInvalidTaprootSigLen,
				"explicit default sighash flag")
		}
		rawSig = rawSig[:schnorr.SignatureSize]
	default:
		str := fmt.Sprintf("invalid sig len: %v", len(rawSig))
		return scriptError(txscript.ErrInvalidTaprootSigLen, str)
	}

	pubKey, err := schnorr.ParsePubKey(rawPubKey)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return err
	}

	sigHash, err := txscript.CalcTapscriptSignaturehash(
		vm.sigCtx.sigHashes, hashType, vm.sigCtx.Tx, vm.sigCtx.InputIndex,
		vm.sigCtx.PrevOutFetcher, txscript.NewBaseTapLeaf(vm.script),
		txscript.WithBaseTapscriptVersion(vm.lastCodeSep, vm.tapLeafHash[:]),
	)
	if err != nil {
		return err
	}

	if !sig.Verify(sigHash, pubKey) {
		return scriptError(txscript.ErrTaprootSigInvalid,
			"schnorr signature verification failed")
	}
	return nil
}

// DisasmPC returns the string for the disassembly of the opcode that will be
// next to execute when Step is called.
func (vm *Engine) DisasmPC() (string, error) {
	peekTokenizer := vm.tokenizer
	if !peekTokenizer.Next() {
		if err := peekTokenizer.Err(); err != nil {
			return "", err
		}
		str := fmt.Sprintf("program counter beyond script (bytes %x)", vm.script)
		return "", scriptError(txscript.ErrInvalidProgramCounter, str)
	}

	var buf strings.Builder
	disasmOpcode(&buf, &opcodeArray[peekTokenizer.Opcode()], peekTokenizer.Data(), false)
	return fmt.Sprintf("%04x: %s", vm.opcodeIdx, buf.String()), nil
}

// DisasmScript returns the disassembly of the script, one opcode per line.
func (vm *Engine) DisasmScript() (string, error) {
	return DisasmScript(vm.script)
}

// DisasmScript returns the disassembly of a raw script, one opcode per line.
func DisasmScript(script []byte) (string, error) {
	var disbuf strings.Builder
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	var opcodeIdx int
	for tokenizer.Next() {
		disbuf.WriteString(fmt.Sprintf("%04x: ", opcodeIdx))
		disasmOpcode(&disbuf, &opcodeArray[tokenizer.Opcode()], tokenizer.Data(), false)
		disbuf.WriteByte('\n')
		opcodeIdx++
	}
	return disbuf.String(), tokenizer.Err()
}

// CheckErrorCondition returns nil if the script has ended leaving exactly one
// true item on the data stack, or when stack verification is disabled.
func (vm *Engine) CheckErrorCondition() error {
	if vm.opts.SkipStackVerification {
		return nil
	}

	if vm.dstack.Depth() != 1 {
		str := fmt.Sprintf("stack must contain exactly one item (contains %d)",
			vm.dstack.Depth())
		return scriptError(txscript.ErrCleanStack, str)
	}

	v, err := vm.dstack.PopBool()
	if err != nil {
		return err
	}
	if !v {
		logrus.Tracef("%v", newLogClosure(func() string {
			dis, _ := vm.DisasmScript()
			return "script failed:\n" + dis
		}))
		return scriptError(txscript.ErrEvalFalse,
			"false stack entry at end of script execution")
	}
	return nil
}

// Step executes the next instruction and moves the program counter to the
// next opcode. It returns true once the last opcode was executed.
//
// The result of calling Step or any other method is undefined if an error is
// returned.
func (vm *Engine) Step() (done bool, err error) {
	if !vm.tokenizer.Next() {
		if err := vm.tokenizer.Err(); err != nil {
			return false, err
		}
		str := fmt.Sprintf("attempt to step beyond script (bytes %x)", vm.script)
		return true, scriptError(txscript.ErrInvalidProgramCounter, str)
	}

	op := &opcodeArray[vm.tokenizer.Opcode()]
	if err := vm.executeOpcode(op, vm.tokenizer.Data()); err != nil {
		return true, err
	}

	combinedStackSize := vm.dstack.Depth() + vm.astack.Depth()
	if combinedStackSize > MaxStackSize {
		str := fmt.Sprintf("combined stack size %d > max allowed %d",
			combinedStackSize, MaxStackSize)
		return false, scriptError(txscript.ErrStackOverflow, str)
	}

	vm.opcodeIdx++
	if vm.tokenizer.Done() {
		if len(vm.condStack) != 0 {
			return false, scriptError(txscript.ErrUnbalancedConditional,
				"end of script reached in conditional execution")
		}
		return true, nil
	}

	return false, nil
}

// Execute runs the whole script and returns nil when it succeeds.
func (vm *Engine) Execute() (err error) {
	done := len(vm.script) == 0
	for !done {
		logrus.Tracef("%v", newLogClosure(func() string {
			dis, err := vm.DisasmPC()
			if err != nil {
				return fmt.Sprintf("stepping - failed to disasm pc: %v", err)
			}
			return fmt.Sprintf("stepping %v", dis)
		}))

		done, err = vm.Step()
		if err != nil {
			return err
		}

		logrus.Tracef("%v", newLogClosure(func() string {
			var dstr, astr string
			if vm.dstack.Depth() != 0 {
				dstr = "Stack:\n" + vm.dstack.String()
			}
			if vm.astack.Depth() != 0 {
				astr = "AltStack:\n" + vm.astack.String()
			}
			return dstr + astr
		}))
	}

	return vm.CheckErrorCondition()
}

// getStack returns the contents of stack as a byte array bottom up
func getStack(stack *stack) [][]byte {
	array := make([][]byte, stack.Depth())
	for i := range array {
		array[len(array)-i-1], _ = stack.PeekByteArray(int32(i))
	}
	return array
}

// setStack sets the stack to the contents of the array where the last item in
// the array is the top item in the stack.
func setStack(stack *stack, data [][]byte) {
	stack.stk = stack.stk[:0]
	for i := range data {
		stack.PushByteArray(data[i])
	}
}

// GetStack returns the contents of the primary stack as an array where the
// last item in the array is the top of the stack.
func (vm *Engine) GetStack() [][]byte {
	return getStack(&vm.dstack)
}

// GetAltStack returns the contents of the alternate stack as an array where
// the last item in the array is the top of the stack.
func (vm *Engine) GetAltStack() [][]byte {
	return getStack(&vm.astack)
}

// NewEngine returns a new engine executing script over the initial stack
// witness, where the last witness item is the top of the stack. sigCtx may be
// nil, in which case signatures can't be verified and locktimes are not
// checked against a transaction.
func NewEngine(script []byte, witness [][]byte, sigCtx *SigContext, opts Options) (*Engine, error) {
	if opts.MaxScriptSize > 0 && len(script) > opts.MaxScriptSize {
		str := fmt.Sprintf("script size %d is larger than max allowed "+
			"size %d", len(script), opts.MaxScriptSize)
		return nil, scriptError(txscript.ErrScriptTooBig, str)
	}
	if err := checkScriptParses(script); err != nil {
		return nil, err
	}

	if len(witness) > MaxStackSize {
		str := fmt.Sprintf("tapscript stack size %d > max allowed %d",
			len(witness), MaxStackSize)
		return nil, scriptError(txscript.ErrStackOverflow, str)
	}
	for _, elem := range witness {
		if len(elem) > MaxElementSize {
			str := fmt.Sprintf("element size %d exceeds max allowed size %d",
				len(elem), MaxElementSize)
			return nil, scriptError(txscript.ErrElementTooBig, str)
		}
	}

	vm := &Engine{
		opts:        opts,
		sigCtx:      sigCtx,
		script:      script,
		tapLeafHash: txscript.NewBaseTapLeaf(script).TapHash(),
		tokenizer:   txscript.MakeScriptTokenizer(0, script),
		lastCodeSep: blankCodeSepValue,
	}
	vm.dstack.verifyMinimalData = true
	vm.astack.verifyMinimalData = true
	setStack(&vm.dstack, witness)

	return vm, nil
}

// Evaluate executes script over witness and returns nil on success.
func Evaluate(script []byte, witness [][]byte, sigCtx *SigContext, opts Options) error {
	vm, err := NewEngine(script, witness, sigCtx, opts)
	if err != nil {
		return err
	}
	return vm.Execute()
}

// VerifyInput evaluates the script path spend of the given transaction
// input. The witness must be [stack..., tapscript, control block] with an
// optional annex, and the control block must commit to the tapscript in the
// spent taproot output.
func VerifyInput(
	tx *wire.MsgTx, inputIndex int, prevOutFetcher txscript.PrevOutputFetcher, opts Options,
) error {
	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return fmt.Errorf("input %d out of range", inputIndex)
	}
	txIn := tx.TxIn[inputIndex]
	prevOut := prevOutFetcher.FetchPrevOutput(txIn.PreviousOutPoint)
	if prevOut == nil {
		return fmt.Errorf("missing prevout %s", txIn.PreviousOutPoint)
	}
	if !txscript.IsPayToTaproot(prevOut.PkScript) {
		return fmt.Errorf("input %d does not spend a taproot output", inputIndex)
	}

	witness := [][]byte(txIn.Witness)
	if len(witness) >= 2 {
		last := witness[len(witness)-1]
		if len(last) > 0 && last[0] == txscript.TaprootAnnexTag {
			witness = witness[:len(witness)-1]
		}
	}
	if len(witness) < 2 {
		return fmt.Errorf("input %d is not a script path spend", inputIndex)
	}

	controlBlock, err := txscript.ParseControlBlock(witness[len(witness)-1])
	if err != nil {
		return err
	}
	script := witness[len(witness)-2]
	if err := txscript.VerifyTaprootLeafCommitment(
		controlBlock, prevOut.PkScript[2:], script,
	); err != nil {
		return err
	}
	if controlBlock.LeafVersion != txscript.BaseLeafVersion {
		return scriptError(txscript.ErrDiscourageUpgradeableTaprootVersion,
			fmt.Sprintf("unknown leaf version %v", controlBlock.LeafVersion))
	}

	vm, err := NewEngine(
		script, witness[:len(witness)-2], NewSigContext(tx, inputIndex, prevOutFetcher), opts,
	)
	if err != nil {
		return err
	}
	return vm.Execute()
}

// checkScriptParses returns an error if the provided script fails to parse.
func checkScriptParses(script []byte) error {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		// Nothing to do.
	}
	return tokenizer.Err()
}

// logClosure is a closure that can be printed with %v to be used to
// generate expensive-to-create data for a detailed log level and avoid doing
// the work if the data isn't printed.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
