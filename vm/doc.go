// Package vm implements the Cobalt virtual machine, a register-based
// bytecode interpreter for the Lua 5.4 instruction set.
//
// This package contains:
//   - the value model (interface sum type) and tables
//   - threads, call frames and stack growth/relocation
//   - the interpreter loop with switch and table dispatch
//   - the call protocol: multiple results, varargs, tail calls
//   - closures, upvalues and to-be-closed variables
//   - metamethod fallbacks for arithmetic, comparison and indexing
//   - collector checkpoints, write barriers and hooks
//   - coroutines and a small base library
package vm
