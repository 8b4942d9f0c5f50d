package isp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterSetTargetNoopWhileBusy(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x01)
	require.NoError(t, err)
	master, err := NewMaster(bm, nil, nil)
	require.NoError(t, err)

	master.SetTarget(2, 0x100, 10)
	master.state = StateUploading
	master.SetTarget(5, 0x999, 999)

	assert.Equal(t, NodeID(2), master.peerID)
	assert.Equal(t, uint32(0x100), master.startAddr)
	assert.Equal(t, uint32(10), master.length)
}

func TestMasterStartUploadRejectedWhileBusy(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x01)
	require.NoError(t, err)
	master, err := NewMaster(bm, nil, nil)
	require.NoError(t, err)

	master.state = StateUploading
	err = master.StartUpload()
	assert.ErrorIs(t, err, ErrBusy)
}

func TestMasterIgnoresFramesFromOtherPeers(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x01)
	require.NoError(t, err)
	master, err := NewMaster(bm, nil, nil)
	require.NoError(t, err)

	master.SetTarget(2, 0, 10)
	master.state = StateErasing

	ack := CommandFrame{Command: CmdAck}
	master.Handle(Frame{Sender: 9, Dest: 0x01, Raw: ack.Encode()})

	assert.Equal(t, StateErasing, master.State())
}

func TestMasterUnknownReprIDIgnored(t *testing.T) {
	bus := newLoopbackBus()
	bm, err := NewBusManager(bus, 0x01)
	require.NoError(t, err)
	master, err := NewMaster(bm, nil, nil)
	require.NoError(t, err)
	master.SetTarget(2, 0, 10)
	master.state = StateErasing

	master.Handle(Frame{Sender: 2, Dest: 0x01, Raw: []byte{0xEE, 1, 2, 3}})
	assert.Equal(t, StateErasing, master.State())
}
