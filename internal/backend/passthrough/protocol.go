// Package passthrough implements the -p backend (C7): it bridges real
// smart-card readers exposed by the system's pcscd daemon into the VSC
// protocol, by speaking pcscd's own IPC protocol over its control socket.
//
// This is adapted from gballet/go-libpcsclite's winscard.go and doc.go,
// extended with the Connect/Transmit/Disconnect exchanges those two files
// declared as command codes but did not implement, which this backend
// needs to satisfy backend.Backend's PowerOn/Transfer. The payload layouts
// of those three exchanges are this package's own and are not checked
// against a verified pcscd wire format. GetStatusChange is not
// implemented; reader changes are found by polling (see pollInterval).
//
// pcscd's IPC wire format is a distinct protocol from the VSC wire format
// in internal/wire: it is little-endian (matching the reference's use of
// binary.LittleEndian throughout), fixed-size, and has nothing to do with
// the big-endian, variable-length VSC framing this daemon speaks to the
// hypervisor. The two must never be confused.
package passthrough

// SCardSuccess is the pcsc-lite success return code.
const SCardSuccess = 0x00000000

// PCSCDSockName is the default pcscd control socket path.
const PCSCDSockName = "/run/pcscd/pcscd.comm"

// Command codes understood by pcscd, in the order the daemon expects them.
const (
	_ = iota
	cmdEstablishContext
	cmdReleaseContext
	cmdListReaders
	cmdConnect
	cmdReconnect
	cmdDisconnect
	cmdBeginTransaction
	cmdEndTransaction
	cmdTransmit
	cmdControl
	cmdStatus
	cmdGetStatusChange
	cmdCancel
	cmdCancelTransaction
	cmdGetAttrib
	cmdSetAttrib
	cmdVersion
	cmdGetReaderState
	cmdWaitReaderStateChange
	cmdStopWaitingReaderStateChange
)

// Protocol version this client speaks, matching the reference's
// ProtocolVersionMajor/Minor.
const (
	protocolVersionMajor = 4
	protocolVersionMinor = 3
)

// Reader state descriptor layout, as documented in winscard.go.
const (
	readerStateNameLength       = 128
	readerStateMaxATRLength     = 33
	readerStateDescriptorLength = readerStateNameLength + readerStateMaxATRLength + 5*4 + 3
	maxReaderStateDescriptors   = 16
)

// SCard* status/protocol bits used by Connect/Transmit.
const (
	scardShareShared = 0x00000002
	scardProtocolT0  = 0x00000001
	scardProtocolT1  = 0x00000002
	scardProtocolAny = scardProtocolT0 | scardProtocolT1
	scardLeaveCard   = 0x00000000
	scardUnknown     = 0x00000000
	scardPresent     = 0x00000004
)
