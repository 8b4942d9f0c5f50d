package isp

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Master drives an ISP operation against a single slave: it issues
// UPLOAD/DOWNLOAD/EXECUTE commands, paces DATA blocks, verifies echoes and
// tracks terminal state. Grounded structurally on pkg/lss/master.go (a
// thin master object driven entirely by Handle) and on
// original_source/src/isp.c's ispMasterCmdHandler/ispMasterDataHandler for
// the transition table.
type Master struct {
	*BusManager
	logger *log.Entry

	read  Reader
	write Writer

	peerID    NodeID
	state     State
	startAddr uint32
	offset    uint32
	length    uint32

	cancel func()
}

// NewMaster creates a master engine in StateIdle and registers it with bm.
// read supplies the image bytes to upload/verify; write receives
// downloaded bytes.
func NewMaster(bm *BusManager, read Reader, write Writer) (*Master, error) {
	m := &Master{
		BusManager: bm,
		logger:     log.WithField("component", "isp-master"),
		read:       read,
		write:      write,
		peerID:     BroadcastID,
		state:      StateIdle,
	}
	cancel, err := bm.Subscribe(m)
	if err != nil {
		return nil, err
	}
	m.cancel = cancel
	return m, nil
}

// Close unregisters the master from its bus manager.
func (m *Master) Close() {
	if m.cancel != nil {
		m.cancel()
	}
}

// IsBusy reports whether a transfer is in progress (spec invariant 2: true
// unless State is IDLE or ERROR).
func (m *Master) IsBusy() bool {
	return !m.state.notBusy()
}

// State returns the engine's current state.
func (m *Master) State() State { return m.state }

// Offset returns bytes transferred so far in the current (or most recent)
// operation. On a VERIFYING failure, Offset is the index of the first
// mismatched byte (see DESIGN.md Open Question 1).
func (m *Master) Offset() uint32 { return m.offset }

// SetTarget arms a transfer: peer is the slave's bus address, addr the base
// address within the slave's memory region, length the total byte count.
// A no-op while busy (spec.md §4.2).
func (m *Master) SetTarget(peer NodeID, addr uint32, length uint32) {
	if m.IsBusy() {
		return
	}
	m.peerID = peer
	m.startAddr = addr
	m.length = length
	m.offset = 0
}

// StartUpload emits UPLOAD(addr, len) and transitions to ERASING.
func (m *Master) StartUpload() error {
	if m.IsBusy() {
		return ErrBusy
	}
	m.offset = 0
	// The state is set before emitting, so a reply the bus delivers before
	// Send returns is handled in the new state.
	prev := m.state
	m.state = StateErasing
	if err := m.sendCommand(CmdUpload, m.startAddr, m.length); err != nil {
		m.state = prev
		return err
	}
	m.logger.WithFields(log.Fields{"peer": m.peerID, "addr": m.startAddr, "len": m.length}).Info("upload started")
	return nil
}

// StartDownload emits an initial DOWNLOAD(addr, Block) and transitions to
// DOWNLOADING. Per spec.md Design Notes §9, this initial request always
// asks for a full Block regardless of length; when length < Block the
// slave's reply carries Block bytes of which only the prefix is meaningful.
func (m *Master) StartDownload() error {
	if m.IsBusy() {
		return ErrBusy
	}
	m.offset = 0
	prev := m.state
	m.state = StateDownloading
	if err := m.sendCommand(CmdDownload, m.startAddr, Block); err != nil {
		m.state = prev
		return err
	}
	m.logger.WithFields(log.Fields{"peer": m.peerID, "addr": m.startAddr, "len": m.length}).Info("download started")
	return nil
}

// StartVerify emits an initial DOWNLOAD(addr, Block) and transitions to
// VERIFYING, bit-comparing each returned block against read.
func (m *Master) StartVerify() error {
	if m.IsBusy() {
		return ErrBusy
	}
	m.offset = 0
	prev := m.state
	m.state = StateVerifying
	if err := m.sendCommand(CmdDownload, m.startAddr, Block); err != nil {
		m.state = prev
		return err
	}
	m.logger.WithFields(log.Fields{"peer": m.peerID, "addr": m.startAddr, "len": m.length}).Info("verify started")
	return nil
}

// ExecuteBootloader emits EXECUTE(start_addr, length) without changing
// state. Behaviorally identical to ExecuteFirmware: the original source
// never distinguished the two addressing schemes (spec Design Notes §9,
// point 4; DESIGN.md Open Question 4). Both names are preserved for
// compatibility with callers that care which image they meant to select.
func (m *Master) ExecuteBootloader() error {
	return m.sendCommand(CmdExecute, m.startAddr, m.length)
}

// ExecuteFirmware emits EXECUTE(start_addr, length). See ExecuteBootloader.
func (m *Master) ExecuteFirmware() error {
	return m.sendCommand(CmdExecute, m.startAddr, m.length)
}

func (m *Master) sendCommand(cmd Command, addr, length uint32) error {
	frame := CommandFrame{Command: cmd, Address: addr, Length: length}
	return m.Send(m.peerID, frame.Encode())
}

// sendData reads the next block from the image source and transmits it
// unconditionally, padding the fixed-size payload beyond the meaningful
// prefix with whatever bytes happened to be in the frame buffer (spec.md
// §4.2). It returns the number of bytes the Reader actually produced.
func (m *Master) sendData() (int, error) {
	n := remaining(m.length, m.offset)
	var data DataFrame
	data.Address = m.startAddr + m.offset
	produced, err := m.read.Read(data.Data[:n])
	if err != nil && err != io.EOF {
		return produced, err
	}
	if sendErr := m.Send(m.peerID, data.Encode()); sendErr != nil {
		m.logger.WithError(sendErr).Warn("failed to send data block")
	}
	return produced, nil
}

// Handle implements FrameListener. Frames from any sender other than the
// configured peer are discarded (spec.md §4.2).
func (m *Master) Handle(frame Frame) {
	if frame.Sender != m.peerID {
		return
	}
	reprID, err := PeekReprID(frame.Raw)
	if err != nil {
		return
	}
	switch reprID {
	case ReprIspCommand:
		cmd, err := DecodeCommandFrame(frame.Raw)
		if err != nil {
			return
		}
		m.handleCommand(cmd)
	case ReprIspData:
		data, err := DecodeDataFrame(frame.Raw)
		if err != nil {
			return
		}
		m.handleData(data)
	default:
		// Unknown repr id: dropped (spec.md §7 taxonomy item 6).
	}
}

func (m *Master) handleCommand(cmd CommandFrame) {
	if cmd.Command != CmdAck {
		return
	}
	switch m.state {
	case StateErasing:
		m.advanceUpload()
	case StateUploading:
		// The slave acknowledges the block it just wrote, so the next
		// block begins one Block later. This relies on the slave having
		// written exactly Block bytes per ACK except at the final tail
		// (DESIGN.md Open Question 3) — an implicit protocol contract,
		// not something this engine can verify on its own. The final,
		// shorter tail block leaves offset at length rather than past it.
		m.offset += Block
		if m.offset > m.length {
			m.offset = m.length
		}
		m.advanceUpload()
	default:
		// ACK ignored in all other states (spec.md §4.2).
	}
}

// advanceUpload factors out the shared tail the ERASING and UPLOADING ACK
// handlers both run: attempt to send the next block and classify the
// outcome. In the original C source this was reached via a deliberate
// switch-case fallthrough (spec Design Notes §9); here it is a named
// helper called from both arms of handleCommand.
func (m *Master) advanceUpload() {
	produced, err := m.sendData()
	if err != nil {
		m.logger.WithError(err).Error("read failed during upload")
		m.state = StateError
		return
	}
	switch {
	case produced > 0:
		m.state = StateUploading
	case m.offset < m.length:
		m.logger.Warn("source exhausted before length reached")
		m.state = StateError
	default:
		m.logger.Info("upload complete")
		m.state = StateIdle
	}
}

func (m *Master) handleData(data DataFrame) {
	switch m.state {
	case StateDownloading:
		m.handleDownloadData(data)
	case StateVerifying:
		m.handleVerifyData(data)
	default:
		// DATA ignored outside DOWNLOADING/VERIFYING.
	}
}

func (m *Master) handleDownloadData(data DataFrame) {
	if data.Address != m.startAddr+m.offset {
		m.logger.WithFields(log.Fields{"got": data.Address, "want": m.startAddr + m.offset}).Error("download address mismatch")
		m.state = StateError
		return
	}
	n := remaining(m.length, m.offset)
	if _, err := m.write.Write(data.Data[:n]); err != nil {
		m.logger.WithError(err).Error("write failed during download")
		m.state = StateError
		return
	}
	m.offset += n
	if m.offset >= m.length {
		m.state = StateIdle
		m.logger.Info("download complete")
		return
	}
	if err := m.sendCommand(CmdDownload, m.startAddr+m.offset, Block); err != nil {
		m.state = StateError
		return
	}
	m.state = StateDownloading
}

func (m *Master) handleVerifyData(data DataFrame) {
	if data.Address != m.startAddr+m.offset {
		m.logger.WithFields(log.Fields{"got": data.Address, "want": m.startAddr + m.offset}).Error("verify address mismatch")
		m.state = StateError
		return
	}
	n := remaining(m.length, m.offset)
	local := make([]byte, n)
	produced, err := m.read.Read(local)
	if err != nil && err != io.EOF {
		m.logger.WithError(err).Error("read failed during verify")
		m.state = StateError
		return
	}

	// Compare byte by byte. offset advances only past bytes confirmed to
	// match, so on mismatch it points exactly at the first differing
	// index (see DESIGN.md Open Question 1, grounded on
	// original_source/src/isp.c's per-byte increment-after-compare loop).
	for i := 0; i < produced; i++ {
		if data.Data[i] != local[i] {
			m.logger.WithField("offset", m.offset).Error("verify byte mismatch")
			m.state = StateError
			return
		}
		m.offset++
	}

	if m.offset >= m.length || produced < int(n) {
		m.state = StateIdle
		m.logger.Info("verify complete")
		return
	}
	if err := m.sendCommand(CmdDownload, m.startAddr+m.offset, Block); err != nil {
		m.state = StateError
		return
	}
	m.state = StateVerifying
}
