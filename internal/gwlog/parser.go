package gwlog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"sdnlab/internal/utils"
)

const (
	maxTailEntries = 10000
	maxTailBytes   = 4 * 1024 * 1024
	// kernel.log interleaves other messages with gateway lines
	tailScanFactor = 8
)

// ParseLine extracts a gateway entry from a kernel log line such as
//
//	Oct 14 10:02:11 lab kernel: [ 812.4411] DROP: IN=r1-eth1 OUT=r1-eth0 SRC=10.0.2.1 DST=10.0.1.1 PROTO=TCP SPT=5000 DPT=22
//
// It reports false for lines that carry none of the gateway prefixes.
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimRight(line, "\r\n")
	idx, prefix := -1, ""
	for _, p := range Prefixes {
		if i := strings.Index(line, p); i >= 0 && (idx < 0 || i < idx) {
			idx, prefix = i, p
		}
	}
	if idx < 0 {
		return Entry{}, false
	}

	e := Entry{Prefix: strings.TrimSuffix(prefix, " "), Raw: line}
	for _, field := range strings.Fields(line[idx+len(prefix):]) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "IN":
			e.In = v
		case "OUT":
			e.Out = v
		case "SRC":
			e.Src = v
		case "DST":
			e.Dst = v
		case "PROTO":
			e.Proto = strings.ToLower(v)
		case "SPT":
			e.SrcPort, _ = strconv.Atoi(v)
		case "DPT":
			e.DstPort, _ = strconv.Atoi(v)
		}
	}
	return e, true
}

// OnGateway reports whether the entry passed through an interface of gw.
// Gateway interfaces are named <gw>-eth<N>.
func (e Entry) OnGateway(gw string) bool {
	if gw == "" {
		return true
	}
	p := gw + "-"
	return strings.HasPrefix(e.In, p) || strings.HasPrefix(e.Out, p)
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s in=%s out=%s %s", e.Prefix, dash(e.In), dash(e.Out), dash(e.Proto))
	fmt.Fprintf(&b, " %s", endpoint(e.Src, e.SrcPort, e.SrcNode))
	fmt.Fprintf(&b, " -> %s", endpoint(e.Dst, e.DstPort, e.DstNode))
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func endpoint(addr string, port int, node string) string {
	s := dash(addr)
	if port != 0 {
		s = fmt.Sprintf("%s:%d", s, port)
	}
	if node != "" {
		s += "(" + node + ")"
	}
	return s
}

func parseChunk(data []byte, gw string) []Entry {
	var entries []Entry
	for _, line := range bytes.Split(data, []byte("\n")) {
		e, ok := ParseLine(string(line))
		if !ok || !e.OnGateway(gw) {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// Tail returns the last n entries of gw found in the log at path.
func Tail(path, gw string, n int) ([]Entry, error) {
	if n <= 0 || n > maxTailEntries {
		return nil, fmt.Errorf("invalid tail lines: expected 1-%d", maxTailEntries)
	}
	data, err := utils.TailLines(path, n*tailScanFactor, maxTailBytes)
	if err != nil {
		return nil, fmt.Errorf("tail failed: %w", err)
	}
	entries := parseChunk(data, gw)
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
