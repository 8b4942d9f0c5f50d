package isp

import (
	"encoding/binary"
	"fmt"
)

// ReprID tags a frame's payload layout within the bus's generic envelope.
// Any frame whose ReprID is neither ReprIspCommand nor ReprIspData is
// ignored by the master and slave engines.
type ReprID uint8

const (
	ReprIspCommand ReprID = 0x01
	ReprIspData    ReprID = 0x02
)

// Command identifies the operation requested or acknowledged by a command
// frame.
type Command uint8

const (
	CmdUpload   Command = 1
	CmdDownload Command = 2
	CmdExecute  Command = 3
	CmdAbort    Command = 4
	CmdAck      Command = 5
)

func (c Command) String() string {
	switch c {
	case CmdUpload:
		return "UPLOAD"
	case CmdDownload:
		return "DOWNLOAD"
	case CmdExecute:
		return "EXECUTE"
	case CmdAbort:
		return "ABORT"
	case CmdAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// Block is the transmission block size: the fixed number of payload bytes
// every DATA frame carries on the wire (spec invariant 5). Master and slave
// MUST agree on this value; it is a compile-time constant of the protocol,
// not something negotiated on the wire.
const Block = 128

const (
	commandFrameSize = 1 + 1 + 4 + 4
	dataFrameHeader  = 1 + 4
	dataFrameSize    = dataFrameHeader + Block
)

// CommandFrame is the fixed-layout command frame of spec.md §4.1.
type CommandFrame struct {
	Command Command
	Address uint32
	Length  uint32
}

// Encode serializes the command frame, little-endian, as it travels on the
// wire inside the bus's generic envelope.
func (c CommandFrame) Encode() []byte {
	buf := make([]byte, commandFrameSize)
	buf[0] = byte(ReprIspCommand)
	buf[1] = byte(c.Command)
	binary.LittleEndian.PutUint32(buf[2:6], c.Address)
	binary.LittleEndian.PutUint32(buf[6:10], c.Length)
	return buf
}

// DecodeCommandFrame parses a command frame previously produced by Encode.
func DecodeCommandFrame(raw []byte) (CommandFrame, error) {
	if len(raw) < commandFrameSize {
		return CommandFrame{}, fmt.Errorf("isp: short command frame: %d bytes", len(raw))
	}
	if ReprID(raw[0]) != ReprIspCommand {
		return CommandFrame{}, ErrUnknownRepresentation
	}
	return CommandFrame{
		Command: Command(raw[1]),
		Address: binary.LittleEndian.Uint32(raw[2:6]),
		Length:  binary.LittleEndian.Uint32(raw[6:10]),
	}, nil
}

// DataFrame is the fixed-layout data frame of spec.md §4.1. Data always
// holds exactly Block bytes on the wire; only the first N bytes (N computed
// by the caller as min(Block, length-offset)) are semantically meaningful
// at the tail of a transfer. See spec Design Notes §9 on this tradeoff.
type DataFrame struct {
	Address uint32
	Data    [Block]byte
}

// Encode serializes the data frame. The caller is responsible for having
// written only the meaningful prefix into Data; the remainder is sent
// as-is (undefined/stale bytes), matching spec.md §4.2's "send_data"
// description.
func (d DataFrame) Encode() []byte {
	buf := make([]byte, dataFrameSize)
	buf[0] = byte(ReprIspData)
	binary.LittleEndian.PutUint32(buf[1:5], d.Address)
	copy(buf[5:], d.Data[:])
	return buf
}

// DecodeDataFrame parses a data frame previously produced by Encode.
func DecodeDataFrame(raw []byte) (DataFrame, error) {
	if len(raw) > 0 && ReprID(raw[0]) != ReprIspData {
		return DataFrame{}, ErrUnknownRepresentation
	}
	if len(raw) < dataFrameSize {
		return DataFrame{}, fmt.Errorf("isp: short data frame: %d bytes", len(raw))
	}
	d := DataFrame{Address: binary.LittleEndian.Uint32(raw[1:5])}
	copy(d.Data[:], raw[5:dataFrameSize])
	return d, nil
}

// PeekReprID extracts the representation id tag without fully decoding the
// frame, so a dispatcher can route before paying for a full parse.
func PeekReprID(raw []byte) (ReprID, error) {
	if len(raw) < 1 {
		return 0, fmt.Errorf("isp: empty frame")
	}
	return ReprID(raw[0]), nil
}

// remaining computes min(Block, length-offset), the number of semantically
// meaningful bytes in the current block (spec.md §4.2/§4.3).
func remaining(length, offset uint32) uint32 {
	left := length - offset
	if left > Block {
		return Block
	}
	return left
}
