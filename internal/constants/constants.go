package constants

// Queue identifiers and sizing
const (
	// AdminQueueID is the identifier of both the admin submission queue and
	// the admin completion queue
	AdminQueueID = 0

	// AdminVector is the interrupt vector permanently bound to the admin
	// completion queue
	AdminVector = 0

	// DefaultMaxQueues is the default number of queue ids (admin included)
	DefaultMaxQueues = 64

	// DefaultMaxQueueEntries is the default largest queue capacity (size+1)
	DefaultMaxQueueEntries = 4096

	// MinQueueSize is the smallest zero-based size a queue may have.
	// A ring with a single slot could never be anything but full.
	MinQueueSize = 1
)

// Entry layout
const (
	// SQEntrySize is the size of a submission queue entry in bytes
	SQEntrySize = 64

	// CQEntrySize is the size of a completion queue entry in bytes
	CQEntrySize = 16

	// PRPEntrySize is the size of one page pointer in a PRP list (QWORD)
	PRPEntrySize = 8
)

// Abort bookkeeping
const (
	// AbortCommandLimit is the number of abort slots per submission queue
	AbortCommandLimit = 10
)

// Controller registers
const (
	// RegCC is the byte offset of the Controller Configuration register
	RegCC = 0x14

	// RegisterFileSize is the size of the emulated register file
	RegisterFileSize = 0x40

	// CCMPSShift is the bit position of CC.MPS
	CCMPSShift = 7

	// CCMPSMask is the width mask of CC.MPS after shifting
	CCMPSMask = 0xf

	// BasePageShift is the page shift for MPS=0 (4KiB pages)
	BasePageShift = 12

	// MaxMPS is the largest representable memory page size exponent
	MaxMPS = 15
)

// Admin command opcodes used by the engine helpers
const (
	// OpcodeAbort is the NVMe Abort admin command
	OpcodeAbort = 0x08
)
