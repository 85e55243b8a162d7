// Package ir defines the frozen, declarative specification the compiler
// consumes: entities, their identity and lookup indexes, the handlers
// that populate them from incoming events, and the computed-expression
// AST referenced by computed field mappings.
//
// Nothing in this package executes anything; it is pure data, produced
// upstream of this module and read only by internal/compiler.
package ir

import "github.com/luxfi/hyperproj/internal/ir/compexpr"

// EntitySpec declares one projected entity type: its identity, the
// lookup/temporal indexes it maintains, and the handlers that mutate it.
type EntitySpec struct {
	Name     string
	Identity IdentitySpec
	Lookups  []LookupIndexSpec
	Handlers []HandlerSpec
}

// IdentitySpec names the primary key field on the entity's state object.
type IdentitySpec struct {
	PrimaryField string
}

// LookupIndexSpec declares a named secondary index. TemporalField, when
// non-empty, makes this a temporal index keyed by that field's value
// instead of a plain exact-match index.
type LookupIndexSpec struct {
	Name          string
	SourceField   string
	TemporalField string
}

// SourceSpec identifies which incoming event/instruction this handler
// reacts to.
type SourceSpec struct {
	EventType   string
	Instruction string
}

// KeyResolutionStrategy selects how a handler determines the entity
// instance (primary key) an incoming event applies to.
type KeyResolutionStrategy int

const (
	// KeyEmbedded reads the primary key directly from a field on the
	// event, optionally inheriting the field name/transform from an
	// earlier handler on the same entity.
	KeyEmbedded KeyResolutionStrategy = iota
	// KeyLookup resolves the key via a named LookupIndexSpec; a miss is
	// a hard failure (no fallback to the raw lookup value) — see
	// compiler.rs's key resolution comment on why that fallback was
	// removed.
	KeyLookup
	// KeyComputed evaluates a compexpr.Expr against the event to
	// produce the key.
	KeyComputed
	// KeyTemporalLookup resolves the key from a temporal index at or
	// before the event's timestamp.
	KeyTemporalLookup
)

// KeyResolution carries the strategy plus whichever of its fields apply.
type KeyResolution struct {
	Strategy KeyResolutionStrategy

	// KeyEmbedded
	KeyField     string
	Transform    TransformKind
	InheritFrom  string // handler name to inherit field/transform from, if KeyField is empty

	// KeyLookup / KeyTemporalLookup
	LookupIndex string
	LookupField string

	// KeyComputed
	KeyExpr compexpr.Expr
}

// TransformKind names a value transform applied while loading or
// projecting a field (hex/base58 codecs used by on-chain byte fields).
type TransformKind int

const (
	TransformNone TransformKind = iota
	TransformHexEncode
	TransformHexDecode
	TransformBase58Encode
	TransformBase58Decode
	TransformToString
	TransformToNumber
)

// PopulationStrategy selects the opcode family a FieldMapping compiles
// to (internal/compiler's population-strategy table).
type PopulationStrategy int

const (
	PopulationSetOnce PopulationStrategy = iota
	PopulationLastWrite
	PopulationMerge
	PopulationAppend
	PopulationMax
	PopulationMin
	PopulationSum
	PopulationCount
	PopulationUniqueCount
)

// MappingSourceKind selects where a FieldMapping's value comes from.
type MappingSourceKind int

const (
	SourceFromSource MappingSourceKind = iota // a field on the triggering event
	SourceConstant
	SourceComputed
	SourceFromState // a field already on the entity's current state
	SourceAsEvent   // the whole event, boxed as a capture
	SourceAsCapture // a declared sub-object of the event
	SourceWholeSource
	SourceFromContext // ingest-supplied context (slot, block time, ordering)
)

// MappingSource describes the origin of a FieldMapping's value.
type MappingSource struct {
	Kind MappingSourceKind

	SourceField  string        // SourceFromSource / SourceFromState
	Constant     interface{}   // SourceConstant
	Expr         compexpr.Expr // SourceComputed
	CaptureField string        // SourceAsCapture
	ContextKey   string        // SourceFromContext, e.g. "slot", "block_time", "ordering"

	// LookupBy supplements SourceFromContext/derive_from-style mappings
	// that resolve a value via a named lookup index instead of reading
	// the event directly (pumpfun's derive_from shape).
	LookupBy string
}

// Condition is a single field/operator/value comparison. Every
// conditional construct in this system — ConditionalSetField,
// ConditionalIncrement, SetFieldWhen's gate — reduces to exactly this
// shape; there is no general boolean expression here, which is what
// makes rejecting a logical AND/OR condition a parse-time concern
// rather than something the compiler has to detect structurally.
type Condition struct {
	Field string
	Op    ComparisonOp
	Value interface{}
}

// AggregateSpec carries the extra fields an aggregating population
// strategy (Sum/Count/Min/Max/UniqueCount) needs beyond a plain
// FieldMapping: a condition gating whether this event contributes, and
// for UniqueCount the field whose distinct values are being counted.
type AggregateSpec struct {
	Condition   *Condition
	UniqueField string
}

// FieldMapping is one declarative "write this computed/sourced value to
// this path on the entity, using this population strategy" rule.
type FieldMapping struct {
	TargetPath string
	Source     MappingSource
	Population PopulationStrategy
	Transform  TransformKind

	// Condition, when set, gates whether this mapping applies at all.
	// Only LastWrite/Merge (-> ConditionalSetField) and Count (->
	// ConditionalIncrement) may carry a condition; any other
	// population+condition combination is a SchemaError at compile
	// time.
	Condition *Condition

	// When defers the write until a later instruction type is observed
	// for the same key (SetFieldWhen).
	When *WhenClause

	Aggregate *AggregateSpec
}

// WhenClause names the instruction type whose arrival triggers a
// deferred SetFieldWhen write, plus an optional single-comparison gate
// evaluated at apply time.
type WhenClause struct {
	TriggerInstruction string
	Condition          *Condition
}

// ComparisonOp is a single comparison operator usable in a WhenClause
// or an AggregateSpec/FieldMapping condition that must stay a plain
// comparison (ConditionalSetField/ConditionalIncrement).
type ComparisonOp int

const (
	CmpEq ComparisonOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

// HookActionKind selects what an InstructionHook does when its
// instruction type is observed.
type HookActionKind int

const (
	HookSetField HookActionKind = iota
	HookIncrementField
	HookRegisterPdaMapping
)

// HookAction is one action an InstructionHook performs, spliced into the
// handler body before computed-field evaluation (or before UpdateState
// if the handler has no computed fields).
type HookAction struct {
	Kind HookActionKind

	TargetPath string        // HookSetField / HookIncrementField
	Value      compexpr.Expr // HookSetField

	// HookRegisterPdaMapping
	PdaField   string
	TargetKind string // e.g. "mint" -> associates pda with mint for reverse lookup
}

// InstructionHook fires a set of actions whenever a given instruction is
// observed on the entity's handlers, independent of any one handler's
// own field mappings.
type InstructionHook struct {
	Instruction string
	Actions     []HookAction
}

// ResolverHook declares that a handler's key resolution (or a field
// mapping) may require an out-of-band fetch, and how results queue
// until observed.
type ResolverHook struct {
	ResolverType     string
	QueueUntil       []string // instruction names that unblock queued updates
	PdaReverseLookup bool

	// InputField names the event field supplying the resolver's input
	// (e.g. a mint address to fetch metadata for).
	InputField string
	// TargetPath is where the resolver's eventual result is written on
	// this entity's state once it arrives.
	TargetPath string
	// SubPath, if set, is extracted from a URL-style resolver's JSON
	// response instead of storing the raw payload.
	SubPath string
}

// HandlerSpec is one entity handler: which event/instruction it reacts
// to, how it resolves the target entity's key, what it writes, and
// whether it emits a mutation afterward.
type HandlerSpec struct {
	Name          string
	Source        SourceSpec
	KeyResolution KeyResolution
	Mappings      []FieldMapping
	Hooks         []InstructionHook
	Resolver      *ResolverHook
	Emit          bool
}
