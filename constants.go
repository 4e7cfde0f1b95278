package nvmeq

import "github.com/ehrlich-b/go-nvmeq/internal/constants"

// Re-export constants for public API
const (
	AdminQueueID           = constants.AdminQueueID
	AdminVector            = constants.AdminVector
	DefaultMaxQueues       = constants.DefaultMaxQueues
	DefaultMaxQueueEntries = constants.DefaultMaxQueueEntries
	SQEntrySize            = constants.SQEntrySize
	CQEntrySize            = constants.CQEntrySize
	AbortCommandLimit      = constants.AbortCommandLimit
	MaxMPS                 = constants.MaxMPS
	OpcodeAbort            = constants.OpcodeAbort
)
