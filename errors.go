package isp

import "errors"

var (
	// ErrBusy is returned when an operation that requires an idle engine
	// is attempted while a transfer is already in progress.
	ErrBusy = errors.New("isp: engine is busy with another transfer")

	// ErrAddressGap names the condition of a DATA frame whose address does
	// not match the engine's expected offset and cannot be read as a
	// duplicate (see spec invariant on DATA address ordering). The engines
	// do not return or store this value; they record the condition only as
	// StateError.
	ErrAddressGap = errors.New("isp: data frame address does not match expected offset")

	// ErrByteMismatch names a verify failure; the first differing byte's
	// position is available from Master.Offset(). The master does not
	// return or store this value; it records the failure only as StateError.
	ErrByteMismatch = errors.New("isp: verify byte mismatch")

	// ErrTruncatedSource names the condition of a master's Reader producing
	// zero bytes before the transfer's length was reached. The master does
	// not return or store this value; it records the condition only as
	// StateError.
	ErrTruncatedSource = errors.New("isp: read source exhausted before length reached")

	// ErrUnknownRepresentation is returned by DecodeCommandFrame and
	// DecodeDataFrame when the frame's repr id is not the one they decode;
	// engines route on PeekReprID and drop unknown repr ids silently rather
	// than surfacing this error to a caller.
	ErrUnknownRepresentation = errors.New("isp: unknown representation id")
)
