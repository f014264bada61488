package flow

// bootSequence is the checkpoint order the bootloader is required to hit
// before handing over to the application.
var bootSequence = []Checkpoint{
	CPBootInit,
	CPBootSelfTestStart,
	CPBootSelfTestEnd,
	CPBootParamsCheck,
	CPBootConfigCheck,
	CPBootAppVerify,
	CPBootJumpPrepare,
}

// BootSequenceSignature returns the signature of the full fixed boot
// sequence.
func BootSequenceSignature() uint32 {
	return ExpectedSignature(bootSequence...)
}

// VerifyBootSequence checks a recorded boot signature against the fixed
// boot sequence. The expected argument is accepted for call-site
// compatibility with the handover record but is not consulted: the
// reference value is always recomputed from the fixed sequence.
func VerifyBootSequence(sig, expected uint32) bool {
	_ = expected
	return sig == BootSequenceSignature()
}
