// Command poolctl is the interactive console client for a pool daemon: a
// line-oriented REPL that either dials a running poolserver over TCP or,
// with -embed, operates directly against an in-process Pool for local
// inspection and scripting without a server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sharedmem/poold/client"
	"github.com/sharedmem/poold/internal/pool"
)

var (
	flagAddr  = flag.String("addr", "127.0.0.1:9120", "poolserver address to dial")
	flagEmbed = flag.Bool("embed", false, "operate against an in-process pool instead of dialing -addr")
	flagEcho  = flag.Bool("echo", false, "echo each command before executing it")
)

// backend abstracts the two ways poolctl can reach a Pool: over the wire
// via *client.Client, or in-process via *pool.Pool. Both satisfy the same
// shape the REPL commands need.
type backend interface {
	Allocate(desc string, data []byte) (string, error)
	Read(id string) ([]byte, error)
	Update(id string, data []byte) error
	Free(id string) error
	Status(brief bool) (string, error)
	Compact() error
	Reset() error
	Ping() error
}

// embeddedBackend adapts *pool.Pool to the backend interface directly,
// bypassing internal/protocol entirely (no serialization round trip).
type embeddedBackend struct{ p *pool.Pool }

func (e embeddedBackend) Allocate(desc string, data []byte) (string, error) { return e.p.Allocate(desc, data) }
func (e embeddedBackend) Read(id string) ([]byte, error)                    { return e.p.Read(id) }
func (e embeddedBackend) Update(id string, data []byte) error               { return e.p.Update(id, data) }
func (e embeddedBackend) Free(id string) error                              { return e.p.Free(id) }
func (e embeddedBackend) Compact() error                                    { e.p.Compact(); return nil }
func (e embeddedBackend) Reset() error                                      { e.p.Reset(); return nil }
func (e embeddedBackend) Ping() error                                       { return nil }
func (e embeddedBackend) Status(brief bool) (string, error) {
	stats := e.p.PageStats()
	var b strings.Builder
	fmt.Fprintf(&b, "pages: total=%d used=%d free=%d max_free_run=%d fragments=%d\n",
		stats.TotalPages, stats.UsedPages, stats.FreePages, stats.MaxFreeRun, stats.FreeFragments)
	if brief {
		return b.String(), nil
	}
	for _, e := range e.p.IterEntries() {
		fmt.Fprintf(&b, "%s  pages=[%d,%d)  desc=%q  modified=%d\n",
			e.MemoryID, e.FirstPage, e.FirstPage+e.PageCount, e.Description, e.LastModified)
	}
	return b.String(), nil
}

func main() {
	flag.Parse()

	var be backend
	if *flagEmbed {
		p, err := pool.New(pool.DefaultConfig())
		if err != nil {
			fmt.Fprintln(os.Stderr, "poolctl: construct pool:", err)
			os.Exit(1)
		}
		be = embeddedBackend{p: p}
	} else {
		c, err := client.Dial(*flagAddr, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "poolctl: dial:", *flagAddr, err)
			os.Exit(1)
		}
		defer c.Close()
		be = c
	}

	runREPL(be, *flagEcho)
}

func runREPL(be backend, echo bool) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 4*1024*1024)

	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}

	if interactive {
		fmt.Println("poolctl. Commands: alloc, read, update, free, status [brief], compact, reset, ping, quit")
	}

	for {
		if interactive {
			fmt.Print("pool> ")
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "read error:", err)
			}
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if echo {
			fmt.Println(line)
		}
		if !dispatchLine(be, line) {
			return
		}
	}
}

// dispatchLine executes one REPL command line and reports whether the
// REPL should keep running.
func dispatchLine(be backend, line string) bool {
	fields := strings.SplitN(line, " ", 3)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "quit", "exit", ".quit":
		return false

	case "ping":
		if err := be.Ping(); err != nil {
			printErr(err)
			return true
		}
		fmt.Println("PONG")

	case "alloc":
		if len(fields) < 3 {
			fmt.Fprintln(os.Stderr, "usage: alloc <description> <data>")
			return true
		}
		id, err := be.Allocate(fields[1], []byte(fields[2]))
		if err != nil {
			printErr(err)
			return true
		}
		fmt.Println(id)

	case "read":
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "usage: read <id>")
			return true
		}
		data, err := be.Read(fields[1])
		if err != nil {
			printErr(err)
			return true
		}
		fmt.Println(string(client.TrimNUL(data)))

	case "update":
		if len(fields) < 3 {
			fmt.Fprintln(os.Stderr, "usage: update <id> <data>")
			return true
		}
		if err := be.Update(fields[1], []byte(fields[2])); err != nil {
			printErr(err)
			return true
		}
		fmt.Println("OK")

	case "free":
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "usage: free <id>")
			return true
		}
		if err := be.Free(fields[1]); err != nil {
			printErr(err)
			return true
		}
		fmt.Println("OK")

	case "status":
		brief := len(fields) >= 2 && strings.ToLower(fields[1]) == "brief"
		report, err := be.Status(brief)
		if err != nil {
			printErr(err)
			return true
		}
		fmt.Print(report)

	case "compact":
		if err := be.Compact(); err != nil {
			printErr(err)
			return true
		}
		fmt.Println("OK")

	case "reset":
		if err := be.Reset(); err != nil {
			printErr(err)
			return true
		}
		fmt.Println("OK")

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
	}
	return true
}

func printErr(err error) {
	fmt.Fprintln(os.Stderr, "ERR:", err)
}
