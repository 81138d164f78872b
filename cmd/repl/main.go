// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL for exploring an RCU ring.
//
// The REPL holds one ring of strings and a set of named handles, so the
// reference counting can be watched step by step.
//
// # Usage
//
// Start the REPL:
//
//	go run ./cmd/repl -n 5 -init hello
//
// Available commands:
//
//	read <h>            - Read the active value into handle h
//	clone <src> <dst>   - Clone handle src into a new handle dst
//	move <src> <dst>    - Move handle src into dst, leaving src empty
//	assign <src> <dst>  - Make existing handle dst share src's generation
//	release <h>         - Release handle h
//	get <h>             - Show h's value, generation and use count
//	update <value>      - Publish a new value
//	handles             - List named handles
//	slots               - Show every slot's reference count
//	history             - Show recent commands
//	quit, exit          - Release all handles, close the ring and exit
//
// Example session:
//
//	> read a
//	a = "hello" (gen 1, refs 2)
//	> update world
//	Published generation 2
//	> get a
//	a = "hello" (gen 1, refs 1)
//	> release a
//	Released a
//	> quit
//	Goodbye!
//
// # Dangers and Warnings
//
//   - **Exhaustion**: holding a handle on every generation makes update fail,
//     which is the point of trying it here.
//   - **In-memory only**: nothing survives the process.
//
// # See Also
//
// For throughput numbers, see the bench tool.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/eapache/queue"

	"github.com/kianostad/lfrcu/internal/concurrency/rcu"
)

const historySize = 20

type REPL struct {
	ring    *rcu.Ring[string]
	handles map[string]*rcu.Handle[string]
	history *queue.Queue
	out     io.Writer
}

func NewREPL(ring *rcu.Ring[string], out io.Writer) *REPL {
	return &REPL{
		ring:    ring,
		handles: make(map[string]*rcu.Handle[string]),
		history: queue.New(),
		out:     out,
	}
}

func (r *REPL) Run(in io.Reader) {
	fmt.Fprintln(r.out, "RCU REPL")
	fmt.Fprintln(r.out, "Commands: read, clone, move, assign, release, get, update, handles, slots, history, quit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}
		if !r.Execute(scanner.Text()) {
			return
		}
	}
	r.Shutdown()
}

// Execute runs one command line and reports whether the REPL should continue.
func (r *REPL) Execute(line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd, args := parts[0], parts[1:]

	if cmd != "history" {
		r.history.Add(line)
		for r.history.Length() > historySize {
			r.history.Remove()
		}
	}

	switch cmd {
	case "read":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: read <h>")
			return true
		}
		r.set(args[0], r.ring.Read())
		r.show(args[0])

	case "clone":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "Usage: clone <src> <dst>")
			return true
		}
		if src, ok := r.lookup(args[0]); ok {
			r.set(args[1], src.Clone())
			r.show(args[1])
		}

	case "move":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "Usage: move <src> <dst>")
			return true
		}
		if src, ok := r.lookup(args[0]); ok {
			if dst, exists := r.handles[args[1]]; exists {
				dst.MoveFrom(src)
			} else {
				r.handles[args[1]] = src.Move()
			}
			r.show(args[1])
		}

	case "assign":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "Usage: assign <src> <dst>")
			return true
		}
		src, ok := r.lookup(args[0])
		if !ok {
			return true
		}
		dst, ok := r.lookup(args[1])
		if !ok {
			return true
		}
		dst.Assign(src)
		r.show(args[1])

	case "release":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: release <h>")
			return true
		}
		if h, ok := r.lookup(args[0]); ok {
			h.Release()
			delete(r.handles, args[0])
			fmt.Fprintf(r.out, "Released %s\n", args[0])
		}

	case "get":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: get <h>")
			return true
		}
		if _, ok := r.lookup(args[0]); ok {
			r.show(args[0])
		}

	case "update":
		if len(args) == 0 {
			fmt.Fprintln(r.out, "Usage: update <value>")
			return true
		}
		v := strings.Join(args, " ")
		if err := r.ring.Update(&v); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return true
		}
		fmt.Fprintf(r.out, "Published generation %d\n", r.ring.Generation())

	case "handles":
		names := make([]string, 0, len(r.handles))
		for name := range r.handles {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			fmt.Fprintln(r.out, "No handles")
		}
		for _, name := range names {
			r.show(name)
		}

	case "slots":
		for _, s := range r.ring.Slots() {
			marker := " "
			if s.Active {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s slot[%d] refs=%d gen=%d\n", marker, s.Index, s.RefCount, s.Generation)
		}
		fmt.Fprintf(r.out, "Outstanding: %d\n", r.ring.Outstanding())

	case "history":
		for i := 0; i < r.history.Length(); i++ {
			fmt.Fprintf(r.out, "%3d  %s\n", i+1, r.history.Get(i))
		}

	case "quit", "exit":
		r.Shutdown()
		fmt.Fprintln(r.out, "Goodbye!")
		return false

	default:
		fmt.Fprintf(r.out, "Unknown command: %s\n", cmd)
	}
	return true
}

// set stores h under name, releasing whatever was there.
func (r *REPL) set(name string, h *rcu.Handle[string]) {
	if old, ok := r.handles[name]; ok {
		old.Release()
	}
	r.handles[name] = h
}

func (r *REPL) lookup(name string) (*rcu.Handle[string], bool) {
	h, ok := r.handles[name]
	if !ok {
		fmt.Fprintf(r.out, "No handle named %s\n", name)
	}
	return h, ok
}

func (r *REPL) show(name string) {
	h := r.handles[name]
	if !h.Valid() {
		fmt.Fprintf(r.out, "%s = <empty>\n", name)
		return
	}
	fmt.Fprintf(r.out, "%s = %q (gen %d, refs %d)\n", name, h.Value(), h.Generation(), h.UseCount())
}

// Shutdown releases every handle and closes the ring.
func (r *REPL) Shutdown() {
	if r.ring.Closed() {
		return
	}
	for name, h := range r.handles {
		h.Release()
		delete(r.handles, name)
	}
	r.ring.Close()
}

func main() {
	capacity := flag.Int("n", rcu.DefaultCapacity, "ring capacity")
	initial := flag.String("init", "hello", "initial value")
	flag.Parse()

	v := *initial
	ring, err := rcu.NewWithConfig(&v, rcu.Config[string]{Capacity: *capacity})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	repl := NewREPL(ring, os.Stdout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal.")
		os.Exit(0)
	}()

	repl.Run(os.Stdin)
}
