package eminor

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Pos is the source location carried by every AST node.
type Pos struct {
	Line   int
	Column int
}

// Position returns the node's source line and column.
func (p Pos) Position() (line, column int) { return p.Line, p.Column }

// Node is implemented by every E Minor AST node.
type Node interface {
	Position() (line, column int)
}

// ConstKind tags a literal or pooled constant.
type ConstKind string

// Constant kinds
const (
	KindInt      ConstKind = "INT"
	KindHex      ConstKind = "HEX"
	KindDuration ConstKind = "DURATION" // integer nanoseconds
	KindString   ConstKind = "STRING"
	KindBool     ConstKind = "BOOL"
)

// LitValue discriminates which payload field of a Literal is set.
type LitValue int

// Literal payload shapes. LitRaw covers values the parser produced that
// are not representable as int64/string/bool; the raw text is kept in
// Str so the validator can still report on it.
const (
	LitInt LitValue = iota
	LitString
	LitBool
	LitRaw
)

// Literal is a typed literal leaf, e.g. 5ms or "boom".
type Literal struct {
	Pos
	Kind ConstKind
	Val  LitValue
	Int  int64
	Str  string
	Bool bool
}

// Identifier names a capsule ($A7), function, or plain symbol.
type Identifier struct {
	Pos
	Name     string
	IsDollar bool
}

// UnaryOp applies !, ~ or unary minus to RHS.
type UnaryOp struct {
	Pos
	Op  string
	RHS Node
}

// BinaryOp applies an infix operator to LHS and RHS.
type BinaryOp struct {
	Pos
	Op       string
	LHS, RHS Node
}

// Program is the root of a parsed translation unit.
type Program struct {
	Pos
	Decls []Node
	Entry *Entry
}

// Entry is the @main entry declaration.
type Entry struct {
	Pos
	Block *Block
}

// Block is a brace-delimited sequence of declarations and statements.
type Block struct {
	Pos
	Items []Node
}

// Declarations. None of these emit code in the entry stream; function
// and worker declarations only intern the name for dense call indices.
type (
	FunctionDecl struct {
		Pos
		Name *Identifier
		Body *Block
	}
	WorkerDecl struct {
		Pos
		Name *Identifier
		Body *Block
	}
	LetDecl struct {
		Pos
		Name  *Identifier
		Value Node
	}
	ModuleDecl struct {
		Pos
		Name *Identifier
	}
	ExportDecl struct {
		Pos
		Name *Identifier
	}
	ImportDecl struct {
		Pos
		Name *Identifier
	}
)

// Statements.
type (
	LabelStmt struct {
		Pos
		Name string
	}
	InitStmt struct {
		Pos
		Target *Identifier
	}
	LoadStmt struct {
		Pos
		Target *Identifier
		Value  Node
	}
	CallStmt struct {
		Pos
		Func *Identifier
		Arg  *Identifier // nil for no-arg calls
	}
	ExitStmt struct{ Pos }
	LeaseStmt struct {
		Pos
		Target *Identifier
	}
	SubleaseStmt struct {
		Pos
		Target *Identifier
	}
	ReleaseStmt struct {
		Pos
		Target *Identifier
	}
	CheckExpStmt struct {
		Pos
		Target *Identifier
	}
	RenderStmt struct {
		Pos
		Target *Identifier
	}
	InputStmt struct {
		Pos
		Target *Identifier
	}
	OutputStmt struct {
		Pos
		Target *Identifier
	}
	SendStmt struct {
		Pos
		Chan *Identifier
		Pkt  *Identifier
	}
	RecvStmt struct {
		Pos
		Chan *Identifier
		Pkt  *Identifier
	}
	SpawnStmt struct {
		Pos
		Func *Identifier
		Args []Node
	}
	JoinStmt struct {
		Pos
		Thread *Identifier
	}
	StampStmt struct {
		Pos
		Target *Identifier
		Value  Node
	}
	ExpireStmt struct {
		Pos
		Target   *Identifier
		Duration *Literal
	}
	SleepStmt struct {
		Pos
		Duration *Literal
	}
	YieldStmt struct{ Pos }
	ErrorStmt struct {
		Pos
		Target  *Identifier
		Code    Node
		Message *Literal
	}
	IfStmt struct {
		Pos
		Cond Node
		Then *Block
		Else *Block // nil when absent
	}
	LoopStmt struct {
		Pos
		Cond Node
		Body *Block
	}
	GotoStmt struct {
		Pos
		Label string
	}
	BreakStmt    struct{ Pos }
	ContinueStmt struct{ Pos }
)

// children returns a node's AST-valued children in source field order.
// Both validator passes walk the tree through this, so diagnostic order
// matches the parser's field layout.
func children(n Node) []Node {
	switch t := n.(type) {
	case *Program:
		out := make([]Node, 0, len(t.Decls)+1)
		out = append(out, t.Decls...)
		if t.Entry != nil {
			out = append(out, t.Entry)
		}
		return out
	case *Entry:
		if t.Block != nil {
			return []Node{t.Block}
		}
	case *Block:
		return t.Items
	case *FunctionDecl:
		return optional(t.Name, t.Body)
	case *WorkerDecl:
		return optional(t.Name, t.Body)
	case *LetDecl:
		return optional(t.Name, t.Value)
	case *ModuleDecl:
		return optional(t.Name)
	case *ExportDecl:
		return optional(t.Name)
	case *ImportDecl:
		return optional(t.Name)
	case *InitStmt:
		return optional(t.Target)
	case *LoadStmt:
		return optional(t.Target, t.Value)
	case *CallStmt:
		return optional(t.Func, t.Arg)
	case *LeaseStmt:
		return optional(t.Target)
	case *SubleaseStmt:
		return optional(t.Target)
	case *ReleaseStmt:
		return optional(t.Target)
	case *CheckExpStmt:
		return optional(t.Target)
	case *RenderStmt:
		return optional(t.Target)
	case *InputStmt:
		return optional(t.Target)
	case *OutputStmt:
		return optional(t.Target)
	case *SendStmt:
		return optional(t.Chan, t.Pkt)
	case *RecvStmt:
		return optional(t.Chan, t.Pkt)
	case *SpawnStmt:
		out := optional(t.Func)
		out = append(out, t.Args...)
		return out
	case *JoinStmt:
		return optional(t.Thread)
	case *StampStmt:
		return optional(t.Target, t.Value)
	case *ExpireStmt:
		return optional(t.Target, t.Duration)
	case *SleepStmt:
		return optional(t.Duration)
	case *ErrorStmt:
		return optional(t.Target, t.Code, t.Message)
	case *IfStmt:
		return optional(t.Cond, t.Then, t.Else)
	case *LoopStmt:
		return optional(t.Cond, t.Body)
	case *UnaryOp:
		return optional(t.RHS)
	case *BinaryOp:
		return optional(t.LHS, t.RHS)
	}
	return nil
}

// optional filters out nil children. Typed nils from *Identifier etc.
// must not survive into the walk.
func optional(nodes ...Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		switch v := n.(type) {
		case nil:
			continue
		case *Identifier:
			if v == nil {
				continue
			}
		case *Literal:
			if v == nil {
				continue
			}
		case *Block:
			if v == nil {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

// walk visits n and all descendants pre-order.
func walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range children(n) {
		walk(c, fn)
	}
}

// DecodeProgram converts the parser collaborator's JSON AST, a tree of
// objects discriminated by "_type", into the typed node tree. The
// decode happens exactly once at this boundary; everything downstream
// works on typed nodes.
func DecodeProgram(data []byte) (*Program, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode AST JSON")
	}
	return programFromMap(raw)
}

func programFromMap(m map[string]any) (*Program, error) {
	p := &Program{Pos: posFrom(m)}
	if decls, ok := m["decls"].([]any); ok {
		for _, d := range decls {
			dm, ok := d.(map[string]any)
			if !ok {
				return nil, errors.New("declaration is not an object")
			}
			n, err := nodeFromMap(dm)
			if err != nil {
				return nil, err
			}
			p.Decls = append(p.Decls, n)
		}
	}
	if em, ok := m["entry"].(map[string]any); ok {
		entry := &Entry{Pos: posFrom(em)}
		blk, err := blockField(em, "block")
		if err != nil {
			return nil, err
		}
		entry.Block = blk
		p.Entry = entry
	}
	return p, nil
}

func nodeFromMap(m map[string]any) (Node, error) {
	t, _ := m["_type"].(string)
	pos := posFrom(m)
	switch t {
	case "Literal":
		return literalFromMap(m)
	case "Identifier":
		return identFromMap(m)
	case "UnaryOp":
		rhs, err := nodeField(m, "rhs")
		if err != nil {
			return nil, err
		}
		op, _ := m["op"].(string)
		return &UnaryOp{Pos: pos, Op: op, RHS: rhs}, nil
	case "BinaryOp":
		lhs, err := nodeField(m, "lhs")
		if err != nil {
			return nil, err
		}
		rhs, err := nodeField(m, "rhs")
		if err != nil {
			return nil, err
		}
		op, _ := m["op"].(string)
		return &BinaryOp{Pos: pos, Op: op, LHS: lhs, RHS: rhs}, nil

	case "FunctionDecl", "WorkerDecl":
		name, err := identField(m, "name")
		if err != nil {
			return nil, err
		}
		body, err := optBlockField(m, "body")
		if err != nil {
			return nil, err
		}
		if t == "FunctionDecl" {
			return &FunctionDecl{Pos: pos, Name: name, Body: body}, nil
		}
		return &WorkerDecl{Pos: pos, Name: name, Body: body}, nil
	case "LetDecl":
		name, err := identField(m, "name")
		if err != nil {
			return nil, err
		}
		val, err := optNodeField(m, "value")
		if err != nil {
			return nil, err
		}
		return &LetDecl{Pos: pos, Name: name, Value: val}, nil
	case "ModuleDecl", "ExportDecl", "ImportDecl":
		name, err := identField(m, "name")
		if err != nil {
			return nil, err
		}
		switch t {
		case "ModuleDecl":
			return &ModuleDecl{Pos: pos, Name: name}, nil
		case "ExportDecl":
			return &ExportDecl{Pos: pos, Name: name}, nil
		default:
			return &ImportDecl{Pos: pos, Name: name}, nil
		}

	case "LabelStmt":
		name, _ := m["name"].(string)
		return &LabelStmt{Pos: pos, Name: name}, nil
	case "InitStmt":
		tgt, err := identField(m, "target")
		if err != nil {
			return nil, err
		}
		return &InitStmt{Pos: pos, Target: tgt}, nil
	case "LoadStmt":
		tgt, err := identField(m, "target")
		if err != nil {
			return nil, err
		}
		val, err := nodeField(m, "value")
		if err != nil {
			return nil, err
		}
		return &LoadStmt{Pos: pos, Target: tgt, Value: val}, nil
	case "CallStmt":
		fn, err := identField(m, "func")
		if err != nil {
			return nil, err
		}
		arg, err := optIdentField(m, "arg")
		if err != nil {
			return nil, err
		}
		return &CallStmt{Pos: pos, Func: fn, Arg: arg}, nil
	case "ExitStmt":
		return &ExitStmt{Pos: pos}, nil
	case "LeaseStmt", "SubleaseStmt", "ReleaseStmt", "CheckExpStmt",
		"RenderStmt", "InputStmt", "OutputStmt":
		tgt, err := identField(m, "target")
		if err != nil {
			return nil, err
		}
		switch t {
		case "LeaseStmt":
			return &LeaseStmt{Pos: pos, Target: tgt}, nil
		case "SubleaseStmt":
			return &SubleaseStmt{Pos: pos, Target: tgt}, nil
		case "ReleaseStmt":
			return &ReleaseStmt{Pos: pos, Target: tgt}, nil
		case "CheckExpStmt":
			return &CheckExpStmt{Pos: pos, Target: tgt}, nil
		case "RenderStmt":
			return &RenderStmt{Pos: pos, Target: tgt}, nil
		case "InputStmt":
			return &InputStmt{Pos: pos, Target: tgt}, nil
		default:
			return &OutputStmt{Pos: pos, Target: tgt}, nil
		}
	case "SendStmt", "RecvStmt":
		ch, err := identField(m, "chan")
		if err != nil {
			return nil, err
		}
		pkt, err := identField(m, "pkt")
		if err != nil {
			return nil, err
		}
		if t == "SendStmt" {
			return &SendStmt{Pos: pos, Chan: ch, Pkt: pkt}, nil
		}
		return &RecvStmt{Pos: pos, Chan: ch, Pkt: pkt}, nil
	case "SpawnStmt":
		fn, err := identField(m, "func")
		if err != nil {
			return nil, err
		}
		st := &SpawnStmt{Pos: pos, Func: fn}
		if args, ok := m["args"].([]any); ok {
			for _, a := range args {
				am, ok := a.(map[string]any)
				if !ok {
					return nil, errors.New("spawn argument is not an object")
				}
				n, err := nodeFromMap(am)
				if err != nil {
					return nil, err
				}
				st.Args = append(st.Args, n)
			}
		}
		return st, nil
	case "JoinStmt":
		th, err := identField(m, "thread")
		if err != nil {
			return nil, err
		}
		return &JoinStmt{Pos: pos, Thread: th}, nil
	case "StampStmt":
		tgt, err := identField(m, "target")
		if err != nil {
			return nil, err
		}
		val, err := nodeField(m, "value")
		if err != nil {
			return nil, err
		}
		return &StampStmt{Pos: pos, Target: tgt, Value: val}, nil
	case "ExpireStmt":
		tgt, err := identField(m, "target")
		if err != nil {
			return nil, err
		}
		dur, err := litField(m, "duration")
		if err != nil {
			return nil, err
		}
		return &ExpireStmt{Pos: pos, Target: tgt, Duration: dur}, nil
	case "SleepStmt":
		dur, err := litField(m, "duration")
		if err != nil {
			return nil, err
		}
		return &SleepStmt{Pos: pos, Duration: dur}, nil
	case "YieldStmt":
		return &YieldStmt{Pos: pos}, nil
	case "ErrorStmt":
		tgt, err := identField(m, "target")
		if err != nil {
			return nil, err
		}
		code, err := nodeField(m, "code")
		if err != nil {
			return nil, err
		}
		msg, err := litField(m, "message")
		if err != nil {
			return nil, err
		}
		return &ErrorStmt{Pos: pos, Target: tgt, Code: code, Message: msg}, nil
	case "IfStmt":
		cond, err := nodeField(m, "cond")
		if err != nil {
			return nil, err
		}
		then, err := blockField(m, "then_block")
		if err != nil {
			return nil, err
		}
		els, err := optBlockField(m, "else_block")
		if err != nil {
			return nil, err
		}
		return &IfStmt{Pos: pos, Cond: cond, Then: then, Else: els}, nil
	case "LoopStmt":
		cond, err := nodeField(m, "cond")
		if err != nil {
			return nil, err
		}
		body, err := blockField(m, "body")
		if err != nil {
			return nil, err
		}
		return &LoopStmt{Pos: pos, Cond: cond, Body: body}, nil
	case "GotoStmt":
		label, _ := m["label"].(string)
		return &GotoStmt{Pos: pos, Label: label}, nil
	case "BreakStmt":
		return &BreakStmt{Pos: pos}, nil
	case "ContinueStmt":
		return &ContinueStmt{Pos: pos}, nil
	}
	return nil, errors.Errorf("unknown AST node type %q at line %d", t, pos.Line)
}

func literalFromMap(m map[string]any) (*Literal, error) {
	lit := &Literal{Pos: posFrom(m)}
	kind, _ := m["kind"].(string)
	lit.Kind = ConstKind(kind)
	switch v := m["value"].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			lit.Val = LitInt
			lit.Int = i
		} else {
			// Non-integer numeric: keep raw text for diagnostics.
			lit.Val = LitRaw
			lit.Str = v.String()
		}
	case string:
		lit.Val = LitString
		lit.Str = v
	case bool:
		lit.Val = LitBool
		lit.Bool = v
	case nil:
		lit.Val = LitRaw
	default:
		return nil, errors.Errorf("literal at line %d has unsupported value", lit.Line)
	}
	return lit, nil
}

func identFromMap(m map[string]any) (*Identifier, error) {
	name, ok := m["name"].(string)
	if !ok {
		return nil, errors.Errorf("identifier at line %d has no name", posFrom(m).Line)
	}
	dollar, _ := m["is_dollar"].(bool)
	return &Identifier{Pos: posFrom(m), Name: name, IsDollar: dollar}, nil
}

func posFrom(m map[string]any) Pos {
	return Pos{Line: intFrom(m["line"]), Column: intFrom(m["column"])}
}

func intFrom(v any) int {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

func nodeField(m map[string]any, key string) (Node, error) {
	cm, ok := m[key].(map[string]any)
	if !ok {
		return nil, errors.Errorf("%s node at line %d is missing %q", m["_type"], posFrom(m).Line, key)
	}
	return nodeFromMap(cm)
}

func optNodeField(m map[string]any, key string) (Node, error) {
	if _, ok := m[key].(map[string]any); !ok {
		return nil, nil
	}
	return nodeField(m, key)
}

func identField(m map[string]any, key string) (*Identifier, error) {
	cm, ok := m[key].(map[string]any)
	if !ok {
		return nil, errors.Errorf("%s node at line %d is missing %q", m["_type"], posFrom(m).Line, key)
	}
	return identFromMap(cm)
}

func optIdentField(m map[string]any, key string) (*Identifier, error) {
	if _, ok := m[key].(map[string]any); !ok {
		return nil, nil
	}
	return identField(m, key)
}

func litField(m map[string]any, key string) (*Literal, error) {
	cm, ok := m[key].(map[string]any)
	if !ok {
		return nil, errors.Errorf("%s node at line %d is missing %q", m["_type"], posFrom(m).Line, key)
	}
	return literalFromMap(cm)
}

func blockField(m map[string]any, key string) (*Block, error) {
	cm, ok := m[key].(map[string]any)
	if !ok {
		return nil, errors.Errorf("%s node at line %d is missing %q", m["_type"], posFrom(m).Line, key)
	}
	return blockFromMap(cm)
}

func optBlockField(m map[string]any, key string) (*Block, error) {
	if _, ok := m[key].(map[string]any); !ok {
		return nil, nil
	}
	return blockField(m, key)
}

func blockFromMap(m map[string]any) (*Block, error) {
	blk := &Block{Pos: posFrom(m)}
	items, _ := m["items"].([]any)
	for _, it := range items {
		im, ok := it.(map[string]any)
		if !ok {
			return nil, errors.New("block item is not an object")
		}
		n, err := nodeFromMap(im)
		if err != nil {
			return nil, err
		}
		blk.Items = append(blk.Items, n)
	}
	return blk, nil
}
