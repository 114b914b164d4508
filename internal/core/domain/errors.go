package domain

import "errors"

var (
	ErrSetupNotFound        = errors.New("setup not found")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrMissingTransactionId = errors.New("missing transaction id")
	ErrMissingScript        = errors.New("missing script")
	ErrMissingSignature     = errors.New("missing signature")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrTxidMismatch         = errors.New("txid mismatch")
	ErrExternalTemplate     = errors.New("external template")
	ErrOutOfFunds           = errors.New("out of funds")
	ErrAlreadyFunded        = errors.New("template already funded")
	ErrNotFundable          = errors.New("template is not fundable")
	ErrFundingSanity        = errors.New("funded transaction does not preserve the original input and output")
)
