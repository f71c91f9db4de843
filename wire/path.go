package wire

import (
	"fmt"
	"strings"
)

// PathType tags the path syntax family a server uses, spec.md §2/§3.
type PathType int

// Path types.
const (
	Unknown PathType = iota
	Unix
	Dos
	Vms
	AS400
	Mvs
	Tandem
	OpenVMS
)

func (pt PathType) String() string {
	switch pt {
	case Unix:
		return "Unix"
	case Dos:
		return "Dos"
	case Vms, OpenVMS:
		return "Vms"
	case AS400:
		return "AS400"
	case Mvs:
		return "Mvs"
	case Tandem:
		return "Tandem"
	default:
		return "Unknown"
	}
}

// separator returns the path-type's component delimiter.
func (pt PathType) separator() string {
	switch pt {
	case Dos:
		return "\\"
	case Vms, OpenVMS:
		return "."
	default:
		return "/"
	}
}

// Append joins dir and name per pt's arithmetic, spec.md §4.1 "append".
func Append(pt PathType, dir, name string) string {
	switch pt {
	case Vms, OpenVMS:
		return appendVMS(dir, name)
	case AS400:
		return appendAS400(dir, name)
	default:
		sep := pt.separator()
		dir = strings.TrimSuffix(dir, sep)
		if dir == "" {
			return sep + name
		}
		return dir + sep + name
	}
}

// CutLast splits p into (parent, last component) per pt's arithmetic,
// spec.md §4.1 "cut_last".
func CutLast(pt PathType, p string) (parent, last string) {
	switch pt {
	case Vms, OpenVMS:
		return cutLastVMS(p)
	default:
		sep := pt.separator()
		trimmed := strings.TrimSuffix(p, sep)
		idx := strings.LastIndex(trimmed, sep)
		if idx < 0 {
			return "", trimmed
		}
		parent = trimmed[:idx]
		if parent == "" {
			parent = sep
		}
		return parent, trimmed[idx+len(sep):]
	}
}

// IsPrefix reports whether prefix is a path-type-aware prefix of p (a
// prefix only at component boundaries), spec.md §4.1 "is_prefix".
func IsPrefix(pt PathType, prefix, p string) bool {
	np := normalize(pt, p)
	nprefix := normalize(pt, prefix)
	if nprefix == "" {
		return true
	}
	if !strings.HasPrefix(np, nprefix) {
		return false
	}
	if len(np) == len(nprefix) {
		return true
	}
	sep := pt.separator()
	return strings.HasSuffix(nprefix, sep) || strings.HasPrefix(np[len(nprefix):], sep)
}

// IsSame reports whether a and b name the same path per pt's case rules.
// Paths are case-preserving but comparisons are case-sensitive for all
// families except DOS, which is case-insensitive (spec.md §2 "Path
// type... case-preserving, opaque strings").
func IsSame(pt PathType, a, b string) bool {
	na, nb := normalize(pt, a), normalize(pt, b)
	if pt == Dos {
		return strings.EqualFold(na, nb)
	}
	return na == nb
}

func normalize(pt PathType, p string) string {
	sep := pt.separator()
	p = strings.TrimSuffix(p, sep)
	if pt == Dos {
		p = strings.ReplaceAll(p, "/", "\\")
	}
	return p
}

// IsValidComponent reports whether name is a legal single path component
// for pt (no separators, no reserved characters), spec.md §4.1
// "is_valid_component".
func IsValidComponent(pt PathType, name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	reserved := reservedChars(pt)
	if strings.ContainsAny(name, reserved) {
		return false
	}
	return !strings.Contains(name, pt.separator())
}

func reservedChars(pt PathType) string {
	switch pt {
	case Dos:
		return "<>:\"/\\|?*"
	case Vms, OpenVMS:
		return "[]<>:;"
	case AS400:
		return "/\\"
	default:
		return "/\x00"
	}
}

// MakeVMSDirName produces the VMS directory-name form of name, e.g.
// "SUBDIR" -> "[.SUBDIR]", spec.md §4.1 "make_vms_dir_name".
func MakeVMSDirName(name string) string {
	name = strings.Trim(name, "[].")
	return "[." + name + "]"
}

func appendVMS(dir, name string) string {
	if dir == "" {
		return MakeVMSDirName(name)
	}
	// dir is already bracketed, e.g. "[.A.B]"; splice name in before the
	// closing bracket.
	if strings.HasSuffix(dir, "]") {
		return strings.TrimSuffix(dir, "]") + "." + name + "]"
	}
	return dir + "." + name
}

func cutLastVMS(p string) (parent, last string) {
	trimmed := strings.TrimPrefix(strings.Trim(p, "[]"), ".")
	parts := strings.Split(trimmed, ".")
	if len(parts) <= 1 {
		return "", trimmed
	}
	last = parts[len(parts)-1]
	parent = "[." + strings.Join(parts[:len(parts)-1], ".") + "]"
	return parent, last
}

// AS400FileComponents is the parsed QSYS.LIB representation of an AS/400
// file path: LIBRARY.LIB/FILE.FILETYPE/MEMBER.MBR, spec.md §4.1 "AS/400
// QSYS.LIB file-name splitting/joining".
type AS400FileComponents struct {
	Library  string
	File     string
	Member   string
	FileType string // e.g. "FILE", "PF", "MBR" per QSYS.LIB convention
}

// SplitAS400QSYSPath splits a /QSYS.LIB-style path into its library,
// file, and member components.
func SplitAS400QSYSPath(p string) (AS400FileComponents, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	var c AS400FileComponents
	for _, part := range parts {
		if strings.EqualFold(part, "QSYS.LIB") {
			continue
		}
		name, typ, ok := strings.Cut(part, ".")
		if !ok {
			continue
		}
		switch strings.ToUpper(typ) {
		case "LIB":
			c.Library = name
		case "FILE":
			c.File = name
			c.FileType = typ
		case "MBR":
			c.Member = name
		}
	}
	if c.Library == "" {
		return c, fmt.Errorf("wire: %q is not a valid QSYS.LIB path (missing LIBRARY.LIB)", p)
	}
	return c, nil
}

// JoinAS400QSYSPath reassembles QSYS.LIB components into a path.
func JoinAS400QSYSPath(c AS400FileComponents) string {
	p := "/QSYS.LIB/" + c.Library + ".LIB"
	if c.File != "" {
		typ := c.FileType
		if typ == "" {
			typ = "FILE"
		}
		p += "/" + c.File + "." + typ
	}
	if c.Member != "" {
		p += "/" + c.Member + ".MBR"
	}
	return p
}

func appendAS400(dir, name string) string {
	dir = strings.TrimSuffix(dir, "/")
	return dir + "/" + name
}
