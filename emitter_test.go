package eminor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ident(name string, dollar bool) *Identifier {
	return &Identifier{Name: name, IsDollar: dollar}
}

func intLit(kind ConstKind, v int64) *Literal {
	return &Literal{Kind: kind, Val: LitInt, Int: v}
}

func strLit(s string) *Literal {
	return &Literal{Kind: KindString, Val: LitString, Str: s}
}

func boolLit(b bool) *Literal {
	return &Literal{Kind: KindBool, Val: LitBool, Bool: b}
}

func entryProg(items ...Node) *Program {
	return &Program{Entry: &Entry{Block: &Block{Items: items}}}
}

func TestCompileStatements(t *testing.T) {
	tests := []struct {
		name      string
		items     []Node
		want      []byte
		wantPool  []Constant
		wantFuncs map[string]uint16
	}{
		{
			name: "init exit",
			items: []Node{
				&InitStmt{Target: ident("A7", true)},
				&ExitStmt{},
			},
			want: []byte{0x01, 0xA7, 0x05, 0xFF},
		},
		{
			name: "load constant",
			items: []Node{
				&LoadStmt{Target: ident("A7", true), Value: intLit(KindInt, 1)},
				&ExitStmt{},
			},
			want:     []byte{0x02, 0xA7, 0x00, 0x00, 0x05, 0xFF},
			wantPool: []Constant{{Kind: KindInt, Int: 1}},
		},
		{
			name: "sleep duration",
			items: []Node{
				&SleepStmt{Duration: intLit(KindDuration, 5000000)},
				&ExitStmt{},
			},
			want:     []byte{0x52, 0x00, 0x00, 0x05, 0xFF},
			wantPool: []Constant{{Kind: KindDuration, Int: 5000000}},
		},
		{
			name: "lease lifecycle",
			items: []Node{
				&LeaseStmt{Target: ident("B2", true)},
				&SubleaseStmt{Target: ident("B2", true)},
				&ReleaseStmt{Target: ident("B2", true)},
				&CheckExpStmt{Target: ident("B2", true)},
			},
			want: []byte{0x10, 0xB2, 0x11, 0xB2, 0x12, 0xB2, 0x13, 0xB2, 0xFF},
		},
		{
			name: "io and channels",
			items: []Node{
				&RenderStmt{Target: ident("A0", true)},
				&InputStmt{Target: ident("A1", true)},
				&OutputStmt{Target: ident("A2", true)},
				&SendStmt{Chan: ident("C0", true), Pkt: ident("D0", true)},
				&RecvStmt{Chan: ident("C0", true), Pkt: ident("D1", true)},
			},
			want: []byte{
				0x20, 0xA0, 0x21, 0xA1, 0x22, 0xA2,
				0x30, 0xC0, 0xD0, 0x31, 0xC0, 0xD1, 0xFF,
			},
		},
		{
			name: "call and calla",
			items: []Node{
				&CallStmt{Func: ident("boot", false)},
				&CallStmt{Func: ident("step", false), Arg: ident("A7", true)},
				&CallStmt{Func: ident("boot", false)},
			},
			want: []byte{
				0x03, 0x00, 0x00,
				0x04, 0x00, 0x01, 0xA7,
				0x03, 0x00, 0x00,
				0xFF,
			},
			wantFuncs: map[string]uint16{"boot": 0, "step": 1},
		},
		{
			name: "stamp expire error",
			items: []Node{
				&StampStmt{Target: ident("A7", true), Value: intLit(KindInt, 99)},
				&ExpireStmt{Target: ident("A7", true), Duration: intLit(KindDuration, 1000)},
				&ErrorStmt{Target: ident("A7", true), Code: intLit(KindInt, 404), Message: strLit("boom")},
			},
			want: []byte{
				0x50, 0xA7, 0x00, 0x00,
				0x51, 0xA7, 0x00, 0x01,
				0x60, 0xA7, 0x00, 0x02, 0x00, 0x03,
				0xFF,
			},
			wantPool: []Constant{
				{Kind: KindInt, Int: 99},
				{Kind: KindDuration, Int: 1000},
				{Kind: KindInt, Int: 404},
				{Kind: KindString, Str: "boom"},
			},
		},
		{
			name: "join and yield",
			items: []Node{
				&JoinStmt{Thread: ident("E0", true)},
				&YieldStmt{},
			},
			want: []byte{0x41, 0xE0, 0x53, 0xFF},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			em := NewEmitter(entryProg(tc.items...))
			code, err := em.Compile()
			require.NoError(t, err)
			assert.Equal(t, tc.want, code)
			if tc.wantPool != nil {
				assert.Equal(t, tc.wantPool, em.consts.Items())
			}
			if tc.wantFuncs != nil {
				assert.Equal(t, tc.wantFuncs, em.syms.Funcs)
			}
		})
	}
}

func TestCompileIfElse(t *testing.T) {
	// #if true { #exit } #else { #yield }
	prog := entryProg(&IfStmt{
		Cond: boolLit(true),
		Then: &Block{Items: []Node{&ExitStmt{}}},
		Else: &Block{Items: []Node{&YieldStmt{}}},
	})
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x80, 0x00, 0x00, // PUSHK k0 (BOOL true)
		0xA0, 0x00, 0x04, // JZ +4 -> else
		0x05,             // EXIT
		0xA2, 0x00, 0x01, // JMP +1 -> end
		0x53, // YIELD
		0xFF, // END
	}, code)
	assert.Equal(t, []Constant{{Kind: KindBool, Bool: true}}, em.consts.Items())

	// Displacements are measured from the byte after the rel16 slot.
	jzOff, jmpOff := 3, 7
	elseOff, endOff := 10, 11
	assert.Equal(t, elseOff-(jzOff+3), int(int16(beU16(code[jzOff+1:]))))
	assert.Equal(t, endOff-(jmpOff+3), int(int16(beU16(code[jmpOff+1:]))))
}

func TestCompileIfWithoutElse(t *testing.T) {
	prog := entryProg(&IfStmt{
		Cond: boolLit(true),
		Then: &Block{Items: []Node{&ExitStmt{}}},
	})
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	// Both branches land on the offset after JMP when there is no else.
	assert.Equal(t, []byte{
		0x80, 0x00, 0x00,
		0xA0, 0x00, 0x04,
		0x05,
		0xA2, 0x00, 0x00,
		0xFF,
	}, code)
}

func TestCompileLoop(t *testing.T) {
	prog := entryProg(&LoopStmt{
		Cond: boolLit(true),
		Body: &Block{Items: []Node{&YieldStmt{}}},
	})
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x80, 0x00, 0x00, // PUSHK k0
		0xA0, 0x00, 0x04, // JZ +4 -> end
		0x53,             // YIELD
		0xA2, 0xFF, 0xF6, // JMP -10 -> start
		0xFF,
	}, code)
}

func TestCompileGoto(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		prog := entryProg(
			&GotoStmt{Label: "done"},
			&YieldStmt{},
			&LabelStmt{Name: "done"},
			&ExitStmt{},
		)
		em := NewEmitter(prog)
		code, err := em.Compile()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xA2, 0x00, 0x01, 0x53, 0x05, 0xFF}, code)
		assert.Equal(t, map[string]int{"done": 4}, em.syms.Labels)
	})

	t.Run("backward", func(t *testing.T) {
		prog := entryProg(
			&LabelStmt{Name: "top"},
			&YieldStmt{},
			&GotoStmt{Label: "top"},
			&ExitStmt{},
		)
		em := NewEmitter(prog)
		code, err := em.Compile()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x53, 0xA2, 0xFF, 0xFC, 0x05, 0xFF}, code)
		// Backward references resolve inline, not through the fixup list.
		assert.Empty(t, em.fixups)
	})

	t.Run("undefined label", func(t *testing.T) {
		prog := entryProg(&GotoStmt{Label: "nowhere"})
		_, err := NewEmitter(prog).Compile()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "undefined label :nowhere")
	})

	t.Run("redeclared label last wins", func(t *testing.T) {
		prog := entryProg(
			&LabelStmt{Name: "l"},
			&YieldStmt{},
			&LabelStmt{Name: "l"},
			&GotoStmt{Label: "l"},
		)
		em := NewEmitter(prog)
		code, err := em.Compile()
		require.NoError(t, err)
		assert.Equal(t, 1, em.syms.Labels["l"])
		assert.Equal(t, []byte{0x53, 0xA2, 0xFF, 0xFD, 0xFF}, code)
	})
}

func TestCompileExpressions(t *testing.T) {
	// #load is value position; use #if to force expression compilation:
	// (1 + 2) == x pushes left-to-right then applies operators.
	cond := &BinaryOp{
		Op: "==",
		LHS: &BinaryOp{
			Op:  "+",
			LHS: intLit(KindInt, 1),
			RHS: intLit(KindInt, 2),
		},
		RHS: &UnaryOp{Op: "u-", RHS: ident("A7", true)},
	}
	prog := entryProg(&IfStmt{Cond: cond, Then: &Block{}})
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x80, 0x00, 0x00, // PUSHK INT 1
		0x80, 0x00, 0x01, // PUSHK INT 2
		0x91, 0x09, // BINOP +
		0x82, 0xA7, // PUSHCAP $A7
		0x90, 0x03, // UNOP u-
		0x91, 0x03, // BINOP ==
		0xA0, 0x00, 0x03, // JZ over empty then
		0xA2, 0x00, 0x00, // JMP to end
		0xFF,
	}, code)
}

func TestCompileExprPlainIdentifier(t *testing.T) {
	prog := entryProg(&IfStmt{Cond: ident("flag", false), Then: &Block{}})
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), code[0])
	assert.Equal(t, []Constant{{Kind: KindString, Str: "flag"}}, em.consts.Items())
}

func TestCompileSpawn(t *testing.T) {
	prog := entryProg(&SpawnStmt{
		Func: ident("worker", false),
		Args: []Node{
			intLit(KindInt, 1),
			ident("A7", true),
			ident("plain", false), // collapses to "<expr>"
			&BinaryOp{Op: "+", LHS: intLit(KindInt, 1), RHS: intLit(KindInt, 2)},
		},
	})
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x40, 0x00, 0x00, 0x04, // SPAWN worker argc=4
		0x01, 0x00, 0x00, // const k0 (INT 1)
		0x02, 0xA7, // capsule $A7
		0x01, 0x00, 0x01, // const k1 ("<expr>")
		0x01, 0x00, 0x01, // const k1 again (deduplicated)
		0xFF,
	}, code)
	assert.Equal(t, []Constant{
		{Kind: KindInt, Int: 1},
		{Kind: KindString, Str: "<expr>"},
	}, em.consts.Items())
}

func TestCompileValueFolding(t *testing.T) {
	prog := entryProg(
		&LoadStmt{Target: ident("A0", true), Value: ident("B1", true)},
		&LoadStmt{Target: ident("A0", true), Value: ident("name", false)},
		&LoadStmt{Target: ident("A0", true), Value: &UnaryOp{Op: "!", RHS: boolLit(true)}},
	)
	em := NewEmitter(prog)
	_, err := em.Compile()
	require.NoError(t, err)
	assert.Equal(t, []Constant{
		{Kind: KindString, Str: "$B1"},
		{Kind: KindString, Str: "name"},
		{Kind: KindString, Str: "<expr>"},
	}, em.consts.Items())
}

func TestCompileDeclsEmitNoCode(t *testing.T) {
	prog := entryProg(
		&FunctionDecl{Name: ident("f", false)},
		&WorkerDecl{Name: ident("w", false)},
		&LetDecl{Name: ident("x", false)},
		&ExitStmt{},
	)
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0xFF}, code)
	assert.Equal(t, map[string]uint16{"f": 0, "w": 1}, em.syms.Funcs)
}

func TestCompileFatalErrors(t *testing.T) {
	tests := []struct {
		name string
		item Node
		want string
	}{
		{"break", &BreakStmt{Pos: Pos{Line: 4}}, "#break"},
		{"continue", &ContinueStmt{}, "#continue"},
		{
			"unknown binop",
			&IfStmt{
				Cond: &BinaryOp{Op: "**", LHS: intLit(KindInt, 1), RHS: intLit(KindInt, 2)},
				Then: &Block{},
			},
			`unknown binary operator "**"`,
		},
		{
			"unknown unop",
			&IfStmt{Cond: &UnaryOp{Op: "?", RHS: intLit(KindInt, 1)}, Then: &Block{}},
			`unknown unary operator "?"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEmitter(entryProg(tc.item)).Compile()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCompileNoEntry(t *testing.T) {
	_, err := NewEmitter(&Program{}).Compile()
	require.Error(t, err)
}

func TestCompileDeterminism(t *testing.T) {
	build := func() []byte {
		prog := entryProg(
			&InitStmt{Target: ident("A7", true)},
			&LoadStmt{Target: ident("A7", true), Value: intLit(KindInt, 7)},
			&IfStmt{
				Cond: boolLit(true),
				Then: &Block{Items: []Node{&GotoStmt{Label: "end"}}},
			},
			&SleepStmt{Duration: intLit(KindDuration, 1000)},
			&LabelStmt{Name: "end"},
			&ExitStmt{},
		)
		code, err := NewEmitter(prog).Compile()
		require.NoError(t, err)
		return code
	}
	assert.Equal(t, build(), build())
}

func TestBranchClosure(t *testing.T) {
	prog := entryProg(
		&GotoStmt{Label: "end"},
		&LoopStmt{
			Cond: boolLit(true),
			Body: &Block{Items: []Node{
				&IfStmt{Cond: boolLit(false), Then: &Block{Items: []Node{&YieldStmt{}}}},
			}},
		},
		&LabelStmt{Name: "end"},
		&ExitStmt{},
	)
	code, err := NewEmitter(prog).Compile()
	require.NoError(t, err)

	// Every branch target must land inside [0, len(code)].
	cursor := 0
	for cursor < len(code) {
		op, ok := OpCodesMap[code[cursor]]
		require.True(t, ok, "undecodable byte %02X at %d", code[cursor], cursor)
		if op.IsBranch() {
			tgt := cursor + 3 + int(int16(beU16(code[cursor+1:])))
			assert.GreaterOrEqual(t, tgt, 0)
			assert.LessOrEqual(t, tgt, len(code))
		}
		cursor += op.Length()
	}
}

func TestEndTermination(t *testing.T) {
	code, err := NewEmitter(entryProg(&ExitStmt{})).Compile()
	require.NoError(t, err)
	require.NotEmpty(t, code)
	assert.Equal(t, OpEND, code[len(code)-1])
	assert.NotContains(t, code[:len(code)-1], OpEND)
}

func TestConstPoolMinimality(t *testing.T) {
	prog := entryProg(
		&LoadStmt{Target: ident("A0", true), Value: intLit(KindInt, 1)},
		&LoadStmt{Target: ident("A1", true), Value: intLit(KindInt, 1)},
		&LoadStmt{Target: ident("A2", true), Value: intLit(KindHex, 1)},
	)
	em := NewEmitter(prog)
	code, err := em.Compile()
	require.NoError(t, err)
	// Equal (kind, value) pairs share an index; HEX 1 is distinct from INT 1.
	assert.Equal(t, code[2:4], code[6:8])
	assert.Equal(t, 2, em.consts.Len())
}

func TestSidecarContents(t *testing.T) {
	prog := entryProg(
		&FunctionDecl{Name: ident("boot", false)},
		&LabelStmt{Name: "start"},
		&LoadStmt{Target: ident("A7", true), Value: intLit(KindInt, 1)},
	)
	em := NewEmitter(prog)
	_, err := em.Compile()
	require.NoError(t, err)

	sc := em.Sidecar()
	assert.Equal(t, []Constant{{Kind: KindInt, Int: 1}}, sc.ConstPool)
	assert.Equal(t, map[string]uint16{"boot": 0}, sc.FuncIndex)
	assert.Equal(t, map[string]int{"start": 0}, sc.Labels)
	assert.Equal(t, byte(0xA2), sc.Opcodes["JMP"])
	assert.Equal(t, byte(9), sc.Binops["+"])
	assert.Equal(t, byte(3), sc.Unops["u-"])
}
