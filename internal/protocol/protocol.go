// Package protocol implements the length-prefixed TCP wire framing and the
// thin request dispatcher that sits in front of a Pool. It maps a
// pre-parsed command tag and operand onto the Pool façade and formats
// results; it holds no state of its own beyond the Pool it wraps.
//
// Framing is fixed-width and little-endian throughout, in the same style
// as the rest of this codebase's on-disk and on-wire layouts:
//
//	Request:  u32 length (of tag+operand) | u8 tag | operand bytes
//	Response: u8 status code | u32 payload length | payload bytes
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/sharedmem/poold/internal/catalog"
	"github.com/sharedmem/poold/internal/pool"
	"github.com/sharedmem/poold/internal/poolerr"
)

// Command tags. Compact and Reset are wire-level conveniences over the
// Pool façade's own Compact/Reset methods, not just local-client helpers.
const (
	CmdAlloc   byte = 1
	CmdUpdate  byte = 2
	CmdDelete  byte = 3
	CmdRead    byte = 4
	CmdStatus  byte = 5
	CmdPing    byte = 6
	CmdCompact byte = 7
	CmdReset   byte = 8
)

// Protocol-level status codes. InvalidCmd covers an unrecognized command
// tag, a dispatcher-level concern with no corresponding Pool error.
const (
	StatusOK            byte = 0
	StatusInvalidCmd    byte = 1
	StatusInvalidParam  byte = 2
	StatusNoMemory      byte = 3
	StatusNotFound      byte = 4
	StatusAlreadyExists byte = 5
	StatusInternal      byte = 255
)

const maxFrameBytes = 1 << 28 // 256 MiB: generous upper bound against a corrupt/hostile length prefix

// WriteRequest frames a command tag and operand onto w.
func WriteRequest(w io.Writer, cmd byte, operand []byte) error {
	body := make([]byte, 1+len(operand))
	body[0] = cmd
	copy(body[1:], operand)
	return writeFrame(w, body)
}

// ReadRequest reads one framed request from r.
func ReadRequest(r io.Reader) (cmd byte, operand []byte, err error) {
	body, err := readFrame(r)
	if err != nil {
		return 0, nil, err
	}
	if len(body) == 0 {
		return 0, nil, fmt.Errorf("protocol: empty request frame")
	}
	return body[0], body[1:], nil
}

// WriteResponse frames a status code and payload onto w.
func WriteResponse(w io.Writer, code byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = code
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadResponse reads one framed response from r.
func ReadResponse(r io.Reader) (code byte, payload []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > maxFrameBytes {
		return 0, nil, fmt.Errorf("protocol: response payload too large (%d bytes)", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("protocol: request frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// kindToStatus maps a façade error kind to the protocol status byte.
func kindToStatus(k poolerr.Kind) byte {
	switch k {
	case poolerr.InvalidParam:
		return StatusInvalidParam
	case poolerr.OutOfMemory:
		return StatusNoMemory
	case poolerr.NotFound:
		return StatusNotFound
	case poolerr.AlreadyExists:
		return StatusAlreadyExists
	default:
		return StatusInternal
	}
}

// Dispatch maps one pre-parsed command onto p and returns a protocol
// status code and response payload. It never panics: any unexpected
// condition is converted to StatusInternal rather than propagated, so one
// bad request cannot take down the connection goroutine's caller.
func Dispatch(p *pool.Pool, cmd byte, operand []byte) (code byte, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			code = StatusInternal
			payload = []byte(fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch cmd {
	case CmdPing:
		return StatusOK, []byte("PONG")

	case CmdAlloc:
		desc, content, ok := splitOnNUL(operand)
		if !ok {
			return StatusInvalidParam, []byte("alloc operand must be \"desc\\0content\"")
		}
		id, err := p.Allocate(string(desc), content)
		if err != nil {
			return errStatus(err)
		}
		return StatusOK, []byte(id)

	case CmdUpdate:
		id, content, ok := splitOnNUL(operand)
		if !ok {
			return StatusInvalidParam, []byte("update operand must be \"id\\0content\"")
		}
		if err := p.Update(string(id), content); err != nil {
			return errStatus(err)
		}
		return StatusOK, id

	case CmdDelete:
		id := string(operand)
		if err := p.Free(id); err != nil {
			return errStatus(err)
		}
		return StatusOK, operand

	case CmdRead:
		id := string(operand)
		data, err := p.Read(id)
		if err != nil {
			return errStatus(err)
		}
		return StatusOK, data

	case CmdStatus:
		return StatusOK, []byte(renderStatus(p, operand))

	case CmdCompact:
		p.Compact()
		return StatusOK, []byte("OK")

	case CmdReset:
		p.Reset()
		return StatusOK, []byte("OK")

	default:
		return StatusInvalidCmd, []byte(fmt.Sprintf("unknown command tag %d", cmd))
	}
}

func errStatus(err error) (byte, []byte) {
	return kindToStatus(poolerr.KindOf(err)), []byte(err.Error())
}

// splitOnNUL splits operand on the first NUL byte, as required by the
// Alloc and Update operand formats.
func splitOnNUL(operand []byte) (before, after []byte, ok bool) {
	i := bytes.IndexByte(operand, 0)
	if i < 0 {
		return nil, nil, false
	}
	return operand[:i], operand[i+1:], true
}

// renderStatus formats page stats and, unless suppressed, the entry
// listing as the Status command's human-readable payload. A non-empty
// mode flag of "brief" suppresses the entry listing.
func renderStatus(p *pool.Pool, mode []byte) string {
	stats := p.PageStats()
	var b strings.Builder
	fmt.Fprintf(&b, "pages: total=%s used=%s free=%s max_free_run=%s fragments=%d\n",
		humanize.Comma(int64(stats.TotalPages)),
		humanize.Comma(int64(stats.UsedPages)),
		humanize.Comma(int64(stats.FreePages)),
		humanize.Comma(int64(stats.MaxFreeRun)),
		stats.FreeFragments,
	)
	fmt.Fprintf(&b, "bytes: capacity=%s used=%s free=%s\n",
		humanize.IBytes(uint64(stats.TotalPages)*uint64(p.PageBytes())),
		humanize.IBytes(uint64(stats.UsedPages)*uint64(p.PageBytes())),
		humanize.IBytes(uint64(stats.FreePages)*uint64(p.PageBytes())),
	)

	if string(mode) == "brief" {
		return b.String()
	}

	entries := p.IterEntries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].FirstPage < entries[j].FirstPage })
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  pages=[%d,%d)  desc=%q  modified=%d\n",
			e.MemoryID, e.FirstPage, e.FirstPage+e.PageCount, e.Description, e.LastModified)
	}
	return b.String()
}

// EntrySummaries returns every catalog entry sorted ascending by
// FirstPage, the same listing the Status command renders. The gRPC admin
// surface in cmd/poolserver does not call it; its Status RPC goes through
// Dispatch and so prints the same report as the TCP dispatcher.
func EntrySummaries(p *pool.Pool) []catalog.Entry {
	return p.IterEntries()
}
