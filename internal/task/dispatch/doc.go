// Package dispatch launches executable references in isolated units and
// streams what they report back to the caller.
//
// A reference of the form "func:<name>" runs a registered in-process Func on
// its own goroutine behind a panic boundary. Any other reference is split
// into argv and started as a subprocess. Either way the caller gets an
// *Execution handle right away: messages and faults arrive in emission
// order, followed by exactly one exit code.
//
// The func: boundary only covers the goroutine the Func runs on. A panic in a
// goroutine the Func starts itself, a call to os.Exit, or a fatal runtime
// error (such as concurrent map writes) still takes the whole process down.
// Work that needs full isolation belongs in a subprocess reference.
//
// Dispatch never waits for a unit to finish and never limits how many units
// of the same job may be live at once.
package dispatch
