// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command corevm is a thin driver for the CORE evaluator, modeled on
// probec's flag layout. It has no compiler front end (parsing, the AST,
// and the import machinery are explicitly out of the CORE's scope) — it
// only runs or disassembles code objects built by an embedding host, so
// this binary exists mainly to exercise the disassembler and the
// evaluator end to end against a fixed demo program.
//
// Usage:
//
//	corevm [flags]
//
// Flags:
//
//	-disasm     Print the demo program's disassembly instead of running it
//	-version    Print version and exit
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/eval"
	"github.com/probechain/go-probe/namemap"
	"github.com/probechain/go-probe/object"
)

const version = "0.1.0"

// demoIntSlots gives the demo program's int constants just enough of a
// vtable (§6 "Type vtable slots") to dispatch BINARY_ADD; a real host
// wires its own numeric tower in here instead.
var demoIntSlots = &object.Slots{
	Name: "int",
	Numeric: map[string]func(self, other object.Ref) (object.Ref, error){
		"BINARY_ADD": func(self, other object.Ref) (object.Ref, error) {
			return object.Ref{Header: &object.Header{Type: demoIntSlots}, Value: self.Value.(int64) + other.Value.(int64)}, nil
		},
	},
}

func main() {
	var (
		disasm = flag.Bool("disasm", false, "print disassembly instead of running")
		ver    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *ver {
		fmt.Printf("corevm %s\n", version)
		os.Exit(0)
	}

	c := demoProgram()

	if *disasm {
		fmt.Print(code.Disassemble(c))
		return
	}

	th := eval.NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	result, err := th.Run(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("result: %v\n", result.Value)
}

// demoProgram builds a fixed "return 2 + 3" code object, since corevm has
// no parser to compile real source into one.
func demoProgram() *code.Code {
	c := code.New("demo", "<builtin>", 1)
	c.Sig.FrameSize = 2
	i1 := c.InternInt64(2, object.Ref{Header: &object.Header{Type: demoIntSlots}, Value: int64(2)})
	i2 := c.InternInt64(3, object.Ref{Header: &object.Header{Type: demoIntSlots}, Value: int64(3)})
	c.Instructions = []code.Instr{
		{Op: code.LoadConst, B: int32(i1)},
		{Op: code.StoreFast, B: 0},
		{Op: code.LoadConst, B: int32(i2)},
		{Op: code.StoreFast, B: 1},
		{Op: code.BinaryAdd, B: 0, C: 1},
		{Op: code.ReturnValue},
	}
	return c
}
