package wire

import (
	"strconv"
	"strings"
	"time"
)

// ListEntryType is the kind of filesystem object an MLSD/LIST entry
// names, spec.md §3 "Upload listing cache entry" / SPEC_FULL DOMAIN
// STACK.
type ListEntryType int

// Entry types.
const (
	ListEntryFile ListEntryType = iota
	ListEntryDir
	ListEntryLink
	ListEntryOther
)

// ListEntry is one parsed directory-listing line.
type ListEntry struct {
	Name    string
	Type    ListEntryType
	Size    int64
	ModTime time.Time
}

// ParseMLSD parses an RFC 3659 MLSD body (one "facts; name" line per
// entry) into ListEntrys. Unparsable lines are skipped rather than
// failing the whole listing, matching the tolerant-parsing posture
// ParsePWDReply already takes for liberal servers.
func ParseMLSD(body []byte) []ListEntry {
	lines := strings.Split(string(body), "\r\n")
	entries := make([]ListEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		e, ok := parseMLSDLine(line)
		if ok {
			entries = append(entries, e)
		}
	}
	return entries
}

func parseMLSDLine(line string) (ListEntry, bool) {
	sep := strings.Index(line, " ")
	if sep < 0 {
		return ListEntry{}, false
	}
	factsPart, name := line[:sep], line[sep+1:]
	if name == "" {
		return ListEntry{}, false
	}
	e := ListEntry{Name: name, Type: ListEntryOther}
	for _, fact := range strings.Split(factsPart, ";") {
		if fact == "" {
			continue
		}
		kv := strings.SplitN(fact, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "type":
			switch strings.ToLower(kv[1]) {
			case "file":
				e.Type = ListEntryFile
			case "dir", "cdir", "pdir":
				e.Type = ListEntryDir
			case "os.unix=symlink", "symlink":
				e.Type = ListEntryLink
			}
		case "size":
			if n, err := strconv.ParseInt(kv[1], 10, 64); err == nil {
				e.Size = n
			}
		case "modify":
			if t, err := time.Parse("20060102150405", kv[1]); err == nil {
				e.ModTime = t
			}
		}
	}
	return e, true
}

// ParseUnixList parses a classic Unix-style LIST body ("-rwxr-xr-x  1
// user group  1234 Jan 02 15:04 name") as a fallback for servers that
// don't support MLSD, spec.md §4.1. Only the leading permission-bits
// character and the trailing whitespace-delimited fields this engine
// needs are interpreted; lines with fewer than nine fields (exotic LIST
// dialects) are skipped and do not appear in the result.
func ParseUnixList(body []byte) []ListEntry {
	lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
	entries := make([]ListEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		e, ok := parseUnixListLine(line)
		if ok {
			entries = append(entries, e)
		}
	}
	return entries
}

func parseUnixListLine(line string) (ListEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return ListEntry{}, false
	}
	perm := fields[0]
	e := ListEntry{Type: ListEntryFile}
	switch perm[0] {
	case 'd':
		e.Type = ListEntryDir
	case 'l':
		e.Type = ListEntryLink
	}
	if size, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
		e.Size = size
	}
	name := strings.Join(fields[8:], " ")
	if e.Type == ListEntryLink {
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[:idx]
		}
	}
	e.Name = name
	return e, true
}
