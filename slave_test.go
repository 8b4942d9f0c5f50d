package isp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malvira/ndlcom-isp/pkg/memio"
)

func TestSlaveAcceptsUploadOnlyFromIdle(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x02)
	require.NoError(t, err)
	flash := memio.NewFlash(1024)
	slave, err := NewSlave(bm, flash.Window(0), flash.Window(0), nil)
	require.NoError(t, err)

	cmd := CommandFrame{Command: CmdUpload, Address: 0, Length: 256}
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: cmd.Encode()})
	assert.Equal(t, StateUploading, slave.State())

	// A second UPLOAD while busy is ignored.
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: cmd.Encode()})
	assert.Equal(t, StateUploading, slave.State())
}

func TestSlaveDropsFramesFromOtherSenderWhileBusy(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x02)
	require.NoError(t, err)
	flash := memio.NewFlash(1024)
	slave, err := NewSlave(bm, flash.Window(0), flash.Window(0), nil)
	require.NoError(t, err)

	cmd := CommandFrame{Command: CmdUpload, Address: 0, Length: 256}
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: cmd.Encode()})
	require.Equal(t, StateUploading, slave.State())

	interloper := CommandFrame{Command: CmdAbort}
	slave.Handle(Frame{Sender: 0x09, Dest: 0x02, Raw: interloper.Encode()})
	assert.Equal(t, StateUploading, slave.State())
	assert.Equal(t, NodeID(0x01), slave.peerID)
}

func TestSlaveAbortAlwaysReturnsToIdle(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x02)
	require.NoError(t, err)
	flash := memio.NewFlash(1024)
	slave, err := NewSlave(bm, flash.Window(0), flash.Window(0), nil)
	require.NoError(t, err)

	cmd := CommandFrame{Command: CmdUpload, Address: 0, Length: 256}
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: cmd.Encode()})
	require.Equal(t, StateUploading, slave.State())

	abort := CommandFrame{Command: CmdAbort}
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: abort.Encode()})
	assert.Equal(t, StateIdle, slave.State())
}

func TestSlaveResetClearsError(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x02)
	require.NoError(t, err)
	flash := memio.NewFlash(1024)
	slave, err := NewSlave(bm, flash.Window(0), flash.Window(0), nil)
	require.NoError(t, err)

	slave.state = StateError
	slave.Reset()
	assert.Equal(t, StateIdle, slave.State())
}

// TestSlaveDataAddressGapTransitionsToError covers S5 of spec.md §8: a DATA
// frame addressed past the next expected offset (an address gap, e.g. an
// injected or reordered frame) must abort the transfer into StateError
// without writing anything, rather than writing at the wrong offset.
func TestSlaveDataAddressGapTransitionsToError(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x02)
	require.NoError(t, err)
	flash := memio.NewFlash(1024)
	slave, err := NewSlave(bm, flash.Window(0), flash.Window(0), nil)
	require.NoError(t, err)

	cmd := CommandFrame{Command: CmdUpload, Address: 0, Length: 256}
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: cmd.Encode()})
	require.Equal(t, StateUploading, slave.State())

	before := flash.Bytes(0, 256)

	var gap DataFrame
	gap.Address = Block * 2 // expected is 0: this skips ahead
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: gap.Encode()})

	assert.Equal(t, StateError, slave.State())
	assert.Equal(t, before, flash.Bytes(0, 256))
}

// TestSlaveDuplicateDataReAcksWithoutAdvancing covers S6 of spec.md §8: a
// DATA frame addressed before the next expected offset (a retransmitted
// duplicate) must be re-ACKed without writing again or moving offset
// forward, and the engine must remain UPLOADING (invariant 4).
func TestSlaveDuplicateDataReAcksWithoutAdvancing(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x02)
	require.NoError(t, err)
	flash := memio.NewFlash(1024)
	slave, err := NewSlave(bm, flash.Window(0), flash.Window(0), nil)
	require.NoError(t, err)

	var acks []CommandFrame
	err = bus.Subscribe(frameHandlerFunc(func(frame Frame) {
		reprID, err := PeekReprID(frame.Raw)
		if err != nil || reprID != ReprIspCommand {
			return
		}
		cmd, err := DecodeCommandFrame(frame.Raw)
		if err == nil && cmd.Command == CmdAck {
			acks = append(acks, cmd)
		}
	}))
	require.NoError(t, err)

	cmd := CommandFrame{Command: CmdUpload, Address: 0, Length: 256}
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: cmd.Encode()})
	require.Len(t, acks, 1)

	var first DataFrame
	first.Address = 0
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: first.Encode()})
	require.Equal(t, StateUploading, slave.State())
	require.Equal(t, uint32(Block), slave.Offset())
	require.Len(t, acks, 2)

	// Replay the same (now-duplicate) DATA frame.
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: first.Encode()})

	assert.Equal(t, StateUploading, slave.State())
	assert.Equal(t, uint32(Block), slave.Offset())
	assert.Len(t, acks, 3)
}

type countingExec struct {
	n int
}

func (e *countingExec) Exec() { e.n++ }

func TestSlaveExecuteCallsExecer(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x02)
	require.NoError(t, err)
	flash := memio.NewFlash(1024)
	exec := &countingExec{}
	slave, err := NewSlave(bm, flash.Window(0), flash.Window(0), exec)
	require.NoError(t, err)

	execCmd := CommandFrame{Command: CmdExecute, Address: 0, Length: 512}
	slave.Handle(Frame{Sender: 0x01, Dest: 0x02, Raw: execCmd.Encode()})
	assert.Equal(t, 1, exec.n)
}
