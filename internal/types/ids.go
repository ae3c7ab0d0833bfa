package types

import "github.com/google/uuid"

// Entity id prefixes.
const (
	PrefixLockConfig     = "LCK_"
	PrefixLockTrigger    = "TRG_"
	PrefixLockExecution  = "LEX_"
	PrefixRolloverConfig = "RCF_"
	PrefixRolloverTask   = "ROL_"
	PrefixRolloverStep   = "REX_"
	PrefixGroup          = "GRP_"
	PrefixInstance       = "INS_"
	PrefixSignal         = "SIG_"
	PrefixConflict       = "CFL_"
	PrefixUsage          = "RES_"
	PrefixSwitch         = "MCS_"
)

// NewID returns a prefixed random identifier.
func NewID(prefix string) string {
	return prefix + uuid.New().String()
}
