// Package compexpr defines the computed-field expression AST shared by
// the declarative IR's Computed mappings/conditions and the VM's
// expression evaluator (internal/vm/compexpr).
package compexpr

// Expr is any node in a computed expression tree.
type Expr interface{ exprNode() }

// FieldRef reads a dotted path from the entity state, falling back to
// the event when the state has no value at that path.
type FieldRef struct{ Path string }

// Var reads a previously bound Let/Closure-parameter name.
type Var struct{ Name string }

// Let binds Name to Value's result within Body.
type Let struct {
	Name  string
	Value Expr
	Body  Expr
}

// If evaluates Cond and selects Then or Else.
type If struct {
	Cond Expr
	Then Expr
	Else Expr
}

// None is the computed-expression literal absent value.
type None struct{}

// Some wraps Inner as a present optional value.
type Some struct{ Inner Expr }

// Slice takes Value[Start:End] (End may be nil for an open-ended slice).
type Slice struct {
	Value Expr
	Start Expr
	End   Expr
}

// Index takes Value[At].
type Index struct {
	Value Expr
	At    Expr
}

// U64FromLeBytes decodes Bytes as a little-endian u64.
type U64FromLeBytes struct{ Bytes Expr }

// U64FromBeBytes decodes Bytes as a big-endian u64.
type U64FromBeBytes struct{ Bytes Expr }

// ByteArray constructs a byte array literal from element expressions.
type ByteArray struct{ Elements []Expr }

// Closure is a parameterized sub-expression invoked via MethodCall (used
// by derive_from-style lookups that pass a transform closure).
type Closure struct {
	Params []string
	Body   Expr
}

// MethodCall invokes Method on Receiver with Args. The evaluator
// supports to_string, to_number, len, unwrap_or and max.
type MethodCall struct {
	Receiver Expr
	Method   string
	Args     []Expr
}

// UnaryOp applies Op to Operand. Supported ops: "!", "-".
type UnaryOp struct {
	Op      string
	Operand Expr
}

// BinaryOp applies Op to Left/Right. Supported ops: "+", "-", "*", "/",
// "%", "==", "!=", "<", "<=", ">", ">=", "&&", "||".
type BinaryOp struct {
	Op    string
	Left  Expr
	Right Expr
}

// Cast converts Value to the named target type ("u64", "i64", "f64",
// "string", "bool").
type Cast struct {
	Value Expr
	To    string
}

// Literal is a constant value: bool, int64, float64, string, or nil.
type Literal struct{ Value interface{} }

// Paren exists only to let a parser preserve explicit grouping in error
// messages; it evaluates identically to Inner.
type Paren struct{ Inner Expr }

func (FieldRef) exprNode()        {}
func (Var) exprNode()             {}
func (Let) exprNode()             {}
func (If) exprNode()              {}
func (None) exprNode()            {}
func (Some) exprNode()            {}
func (Slice) exprNode()           {}
func (Index) exprNode()           {}
func (U64FromLeBytes) exprNode()  {}
func (U64FromBeBytes) exprNode()  {}
func (ByteArray) exprNode()       {}
func (Closure) exprNode()         {}
func (MethodCall) exprNode()      {}
func (UnaryOp) exprNode()         {}
func (BinaryOp) exprNode()        {}
func (Cast) exprNode()            {}
func (Literal) exprNode()         {}
func (Paren) exprNode()           {}
