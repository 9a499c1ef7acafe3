// Package pr is a thin wrapper for unified output in the operator REPL.
// It initializes readline with a cancelable stdin, redirects stdout/stderr
// onto its buffers, and exposes small print helpers for normal and debug
// output.
//
// Concurrency: the mutex only guards swapping the target writers; writes
// themselves are not serialized here and must be safe on the writer's side.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	// rl is the active readline instance. Set by Init(); nil before that.
	rl *readline.Instance
	// out is the current stdout target: os.Stdout until Init(), rl.Stdout() after.
	out io.Writer = os.Stdout
	// errOut is the current stderr target: os.Stderr until Init(), rl.Stderr() after.
	errOut io.Writer = os.Stderr
	// mu guards swapping the writer references and cancelableIn. It does not
	// serialize the writes themselves.
	mu sync.Mutex

	// cancelableIn is the stdin handle that can be closed to interrupt a
	// pending readline read with io.EOF. Set in Init() via readline.NewCancelableStdin.
	cancelableIn interface{ Close() error }
)

// Init sets up readline and redirects the package's output streams onto its
// stdout/stderr. Uses a cancelable stdin so a pending read can be interrupted
// on shutdown. Not safe to call twice.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline closes the cancelable stdin so Readline() observes io.EOF
// and returns. Idempotent: a second close is ignored by the implementation.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetPrompt sets the prompt string. Before Init() it does nothing.
func SetPrompt(prompt string) {
	if rl == nil {
		return
	}
	rl.SetPrompt(prompt)
}

// Rl returns the current readline instance, or nil if Init() was never called.
func Rl() *readline.Instance {
	return rl
}

// Stdout returns the current stdout writer. The lock only protects reading
// the reference; rl.Stdout() is itself safe for concurrent writers.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr returns the current stderr writer. Same caveat as Stdout.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Print writes values to Stdout without a trailing newline.
func Print(a ...any) {
	fmt.Fprint(Stdout(), a...)
}

// Println writes values to Stdout followed by a newline. Works before Init()
// too, falling back to os.Stdout.
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf formats and writes to Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrint writes values to Stderr without a trailing newline.
func ErrPrint(a ...any) {
	fmt.Fprint(Stderr(), a...)
}

// ErrPrintln writes values to Stderr followed by a newline.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// ErrPrintf formats and writes to Stderr.
func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}

// PP pretty-prints a value to Stdout. Handy for debugging; avoid on hot paths.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf returns the pretty-printed form of a value.
func Pf(v any) string {
	return fmt.Sprintf("%# v\n", pretty.Formatter(v))
}
