package compiler

// Fixed register assignments, mirrored from compiler.rs. Every compiled
// handler agrees on these slots so that merged handlers (see Compile in compiler.go)
// can concatenate opcode streams without renumbering.
const (
	RegMappingTemp      = 10 // scratch used while compiling a single mapping
	RegHookTemp         = 11 // scratch for instruction-hook actions
	RegLookupTempA      = 15
	RegTimestamp        = 16
	RegLookupTempB      = 17
	RegGeneralTemp      = 18
	RegResolvedKey      = 19 // __resolved_primary_key, authoritative when non-null
	RegPrimaryKey       = 20
	RegTransformOutput  = 23
	RegCaptureField     = 24 // AsCapture: extracted sub-object
	RegCaptureTransform = 25 // AsCapture: transformed sub-object

	// RegState holds the entity's current (possibly freshly initialized)
	// state object for the duration of a handler.
	RegState = 2

	// NumRegisters is the size of the VM's per-execution register bank.
	// Kept well above the highest fixed index so compiler-local
	// temporaries never collide with the reserved slots above.
	NumRegisters = 256
)
