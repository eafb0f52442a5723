package eminor

import (
	"math"

	"github.com/pkg/errors"
)

// fixup records a rel16 slot that must be patched once its target
// label is known. Only forward references reach the fixup list;
// backward references patch inline.
type fixup struct {
	at    int // offset of the two-byte displacement slot
	label string
}

// Emitter translates a program's entry block into the stack-machine
// byte stream plus its constant pool and symbol tables. One Emitter
// serves exactly one emission; all tables are released with it.
//
// Function and worker bodies are not emitted. Declarations only intern
// the name so CALL/CALLA/SPAWN carry dense indices; attaching bodies
// is a linking concern left to compileDecl as an extension point.
type Emitter struct {
	prog   *Program
	consts *ConstPool
	syms   *Symtab
	code   []byte
	fixups []fixup
}

// NewEmitter initializes an Emitter for the given program.
func NewEmitter(prog *Program) *Emitter {
	return &Emitter{
		prog:   prog,
		consts: NewConstPool(),
		syms:   NewSymtab(),
		code:   make([]byte, 0, 256),
	}
}

// Compile emits the entry block, appends the END sentinel, and
// resolves all pending label fixups. The returned slice is the final
// byte stream. Any failure aborts emission with an error; the Emitter
// must not be reused afterwards.
func (e *Emitter) Compile() ([]byte, error) {
	if e.prog == nil || e.prog.Entry == nil || e.prog.Entry.Block == nil {
		return nil, errors.New("program has no entry block")
	}
	if err := e.compileBlock(e.prog.Entry.Block); err != nil {
		return nil, err
	}
	e.emit(OpEND)

	for _, f := range e.fixups {
		target, ok := e.syms.Labels[f.label]
		if !ok {
			return nil, errors.Errorf("undefined label :%s", f.label)
		}
		if err := e.patchRel16(f.at, target); err != nil {
			return nil, err
		}
	}
	return e.code, nil
}

// Sidecar assembles the symbol/constant sidecar for the finished
// emission.
func (e *Emitter) Sidecar() *Sidecar {
	return &Sidecar{
		ConstPool: e.consts.Items(),
		FuncIndex: e.syms.Funcs,
		Labels:    e.syms.Labels,
		Opcodes:   OpcodeValues,
		Binops:    Binops,
		Unops:     Unops,
	}
}

func (e *Emitter) emit(bs ...byte) {
	e.code = append(e.code, bs...)
}

func (e *Emitter) emitU16(v uint16) {
	e.code = append(e.code, byte(v>>8), byte(v))
}

func (e *Emitter) here() int { return len(e.code) }

// patchRel16 stores target-relative displacement into the two-byte
// slot at offset at. The displacement is measured from the byte
// immediately after the slot.
func (e *Emitter) patchRel16(at, target int) error {
	rel := target - (at + 2)
	if rel < math.MinInt16 || rel > math.MaxInt16 {
		return errors.Errorf("branch displacement %d does not fit in 16 bits", rel)
	}
	e.code[at] = byte(uint16(rel) >> 8)
	e.code[at+1] = byte(uint16(rel))
	return nil
}

func (e *Emitter) compileBlock(blk *Block) error {
	for _, item := range blk.Items {
		if err := e.compileItem(item); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) compileItem(n Node) error {
	switch it := n.(type) {
	case *FunctionDecl:
		return e.compileDecl(it.Name)
	case *WorkerDecl:
		return e.compileDecl(it.Name)
	case *LetDecl, *ModuleDecl, *ExportDecl, *ImportDecl:
		// No direct code emission.
		return nil
	default:
		return e.compileStmt(n)
	}
}

// compileDecl registers a callable name. Body emission would hook in
// here if a later linking step attaches bodies.
func (e *Emitter) compileDecl(name *Identifier) error {
	_, err := e.syms.FuncIdx(name.Name)
	return err
}

func (e *Emitter) compileStmt(n Node) error {
	switch s := n.(type) {
	case *LabelStmt:
		// Re-declaration overwrites: last wins.
		e.syms.Labels[s.Name] = e.here()
	case *InitStmt:
		e.emit(OpINIT, CapsuleID(s.Target.Name))
	case *LoadStmt:
		kidx := e.compileValue(s.Value)
		e.emit(OpLOAD, CapsuleID(s.Target.Name))
		e.emitU16(kidx)
	case *CallStmt:
		fidx, err := e.syms.FuncIdx(s.Func.Name)
		if err != nil {
			return err
		}
		if s.Arg != nil {
			e.emit(OpCALLA)
			e.emitU16(fidx)
			e.emit(CapsuleID(s.Arg.Name))
		} else {
			e.emit(OpCALL)
			e.emitU16(fidx)
		}
	case *ExitStmt:
		e.emit(OpEXIT)
	case *LeaseStmt:
		e.emit(OpLEASE, CapsuleID(s.Target.Name))
	case *SubleaseStmt:
		e.emit(OpSUBLEASE, CapsuleID(s.Target.Name))
	case *ReleaseStmt:
		e.emit(OpRELEASE, CapsuleID(s.Target.Name))
	case *CheckExpStmt:
		e.emit(OpCHECKEXP, CapsuleID(s.Target.Name))
	case *RenderStmt:
		e.emit(OpRENDER, CapsuleID(s.Target.Name))
	case *InputStmt:
		e.emit(OpINPUT, CapsuleID(s.Target.Name))
	case *OutputStmt:
		e.emit(OpOUTPUT, CapsuleID(s.Target.Name))
	case *SendStmt:
		e.emit(OpSEND, CapsuleID(s.Chan.Name), CapsuleID(s.Pkt.Name))
	case *RecvStmt:
		e.emit(OpRECV, CapsuleID(s.Chan.Name), CapsuleID(s.Pkt.Name))
	case *SpawnStmt:
		return e.compileSpawn(s)
	case *JoinStmt:
		e.emit(OpJOIN, CapsuleID(s.Thread.Name))
	case *StampStmt:
		kidx := e.compileValue(s.Value)
		e.emit(OpSTAMP, CapsuleID(s.Target.Name))
		e.emitU16(kidx)
	case *ExpireStmt:
		kidx := e.consts.Intern(Constant{Kind: KindDuration, Int: s.Duration.Int})
		e.emit(OpEXPIRE, CapsuleID(s.Target.Name))
		e.emitU16(kidx)
	case *SleepStmt:
		kidx := e.consts.Intern(Constant{Kind: KindDuration, Int: s.Duration.Int})
		e.emit(OpSLEEP)
		e.emitU16(kidx)
	case *YieldStmt:
		e.emit(OpYIELD)
	case *ErrorStmt:
		cidx := e.compileValue(s.Code)
		midx := e.consts.Intern(Constant{Kind: KindString, Str: s.Message.Str})
		e.emit(OpERROR, CapsuleID(s.Target.Name))
		e.emitU16(cidx)
		e.emitU16(midx)
	case *IfStmt:
		return e.compileIf(s)
	case *LoopStmt:
		return e.compileLoop(s)
	case *GotoStmt:
		e.emit(OpJMP)
		at := e.here()
		e.emit(0x00, 0x00)
		if target, ok := e.syms.Labels[s.Label]; ok {
			return e.patchRel16(at, target)
		}
		e.fixups = append(e.fixups, fixup{at: at, label: s.Label})
	case *BreakStmt:
		return errors.Errorf("#break has no bytecode encoding (line %d)", s.Line)
	case *ContinueStmt:
		return errors.Errorf("#continue has no bytecode encoding (line %d)", s.Line)
	default:
		line, _ := n.Position()
		return errors.Errorf("unhandled statement node %T at line %d", n, line)
	}
	return nil
}

func (e *Emitter) compileSpawn(s *SpawnStmt) error {
	fidx, err := e.syms.FuncIdx(s.Func.Name)
	if err != nil {
		return err
	}
	e.emit(OpSPAWN)
	e.emitU16(fidx)
	e.emit(byte(len(s.Args)))
	for _, a := range s.Args {
		switch arg := a.(type) {
		case *Literal:
			e.emit(spawnArgConst)
			e.emitU16(e.compileValue(arg))
		case *Identifier:
			if arg.IsDollar {
				e.emit(spawnArgCapsule, CapsuleID(arg.Name))
			} else {
				e.emitExprFallback()
			}
		default:
			e.emitExprFallback()
		}
	}
	return nil
}

// emitExprFallback encodes a spawn argument that is neither a literal
// nor a capsule: the "<expr>" string constant, under the const tag.
func (e *Emitter) emitExprFallback() {
	e.emit(spawnArgConst)
	e.emitU16(e.consts.Intern(Constant{Kind: KindString, Str: "<expr>"}))
}

func (e *Emitter) compileIf(s *IfStmt) error {
	if err := e.compileExpr(s.Cond); err != nil {
		return err
	}
	e.emit(OpJZ)
	jzAt := e.here()
	e.emit(0x00, 0x00)
	if err := e.compileBlock(s.Then); err != nil {
		return err
	}
	e.emit(OpJMP)
	jmpAt := e.here()
	e.emit(0x00, 0x00)
	if err := e.patchRel16(jzAt, e.here()); err != nil {
		return err
	}
	if s.Else != nil {
		if err := e.compileBlock(s.Else); err != nil {
			return err
		}
	}
	return e.patchRel16(jmpAt, e.here())
}

func (e *Emitter) compileLoop(s *LoopStmt) error {
	start := e.here()
	if err := e.compileExpr(s.Cond); err != nil {
		return err
	}
	e.emit(OpJZ)
	jzAt := e.here()
	e.emit(0x00, 0x00)
	if err := e.compileBlock(s.Body); err != nil {
		return err
	}
	e.emit(OpJMP)
	backAt := e.here()
	e.emit(0x00, 0x00)
	if err := e.patchRel16(backAt, start); err != nil {
		return err
	}
	return e.patchRel16(jzAt, e.here())
}

// compileExpr emits stack-machine code that leaves the expression's
// value on top of the stack. Evaluation is left to right.
func (e *Emitter) compileExpr(n Node) error {
	switch x := n.(type) {
	case *Literal:
		e.emit(OpPUSHK)
		e.emitU16(e.consts.Intern(constFromLiteral(x)))
	case *Identifier:
		if x.IsDollar {
			e.emit(OpPUSHCAP, CapsuleID(x.Name))
		} else {
			// Plain identifier evaluates as a string constant.
			e.emit(OpPUSHK)
			e.emitU16(e.consts.Intern(Constant{Kind: KindString, Str: x.Name}))
		}
	case *UnaryOp:
		if err := e.compileExpr(x.RHS); err != nil {
			return err
		}
		id, ok := Unops[x.Op]
		if !ok {
			return errors.Errorf("unknown unary operator %q at line %d", x.Op, x.Line)
		}
		e.emit(OpUNOP, id)
	case *BinaryOp:
		if err := e.compileExpr(x.LHS); err != nil {
			return err
		}
		if err := e.compileExpr(x.RHS); err != nil {
			return err
		}
		id, ok := Binops[x.Op]
		if !ok {
			return errors.Errorf("unknown binary operator %q at line %d", x.Op, x.Line)
		}
		e.emit(OpBINOP, id)
	default:
		line, _ := n.Position()
		return errors.Errorf("unhandled expression node %T at line %d", n, line)
	}
	return nil
}

// compileValue interns the constant for a non-expression position
// (LOAD/STAMP/ERROR right-hand sides) and returns its pool index.
// Capsule references and plain identifiers fold to strings; anything
// else falls back to the "<expr>" debug constant.
func (e *Emitter) compileValue(n Node) uint16 {
	switch v := n.(type) {
	case *Literal:
		return e.consts.Intern(constFromLiteral(v))
	case *Identifier:
		if v.IsDollar {
			return e.consts.Intern(Constant{Kind: KindString, Str: "$" + v.Name})
		}
		return e.consts.Intern(Constant{Kind: KindString, Str: v.Name})
	default:
		return e.consts.Intern(Constant{Kind: KindString, Str: "<expr>"})
	}
}

func constFromLiteral(l *Literal) Constant {
	switch l.Val {
	case LitString:
		return Constant{Kind: l.Kind, Str: l.Str}
	case LitBool:
		return Constant{Kind: l.Kind, Bool: l.Bool}
	case LitRaw:
		// Malformed literal value; pool the raw text under its
		// declared kind so emission stays deterministic.
		return Constant{Kind: l.Kind, Str: l.Str}
	default:
		return Constant{Kind: l.Kind, Int: l.Int}
	}
}
