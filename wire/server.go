package wire

import "strings"

// Quirks is a bitset of server-specific behaviours the engine must work
// around, recovered from original_source/ftp/ctrlcon5.cpp's
// DetectServerType table (SPEC_FULL §1 supplement 1).
type Quirks uint32

// Known quirks.
const (
	// QuirkBarePWD marks servers that reply to PWD/MKD without quoting
	// the path (warftpd), requiring the liberal 257-parsing in
	// ParsePWDReply.
	QuirkBarePWD Quirks = 1 << iota
	// QuirkNoopOnlyLogsOutIdle marks servers known to drop idle control
	// connections that only ever receive NOOP; the keep-alive prober
	// should alternate in a PWD instead.
	QuirkNoopOnlyLogsOutIdle
	// QuirkSetModTimeViaMDTM marks servers where MDTM doubles as a
	// modification-time setter (the "writing_mdtm" VsFtpd quirk).
	QuirkSetModTimeViaMDTM
	// QuirkModeZMissingTerminator marks servers (Serv-U 7/8) known to
	// omit the MODE Z deflate stream terminator; spec.md §9 treats this
	// as a warning, not a failure, when size accounting is satisfied.
	QuirkModeZMissingTerminator
)

// Has reports whether q contains flag.
func (q Quirks) Has(flag Quirks) bool { return q&flag != 0 }

// ServerFamily is the result of detecting a server's path-type and
// quirks from its greeting and SYST reply, spec.md §4.1
// "detect_server_family".
type ServerFamily struct {
	PathType   PathType
	Quirks     Quirks
	ParserHint string
}

// DetectServerFamily inspects the connect greeting and the SYST reply
// text to classify the server, per spec.md §4.1 and the quirk table
// recovered from ctrlcon5.cpp (SPEC_FULL §1 supplement 1).
func DetectServerFamily(greeting, systReply string) ServerFamily {
	g := strings.ToLower(greeting)
	s := strings.ToUpper(systReply)

	var sf ServerFamily
	switch {
	case strings.Contains(s, "VMS"):
		sf.PathType = Vms
		sf.ParserHint = "vms"
	case strings.Contains(s, "OS/400") || strings.Contains(s, "AS/400"):
		sf.PathType = AS400
		sf.ParserHint = "as400"
	case strings.Contains(s, "MVS"):
		sf.PathType = Mvs
		sf.ParserHint = "mvs"
	case strings.Contains(s, "TANDEM") || strings.Contains(s, "GUARDIAN"):
		sf.PathType = Tandem
		sf.ParserHint = "tandem"
	case strings.Contains(s, "WINDOWS") || strings.Contains(s, "WIN32"):
		sf.PathType = Dos
		sf.ParserHint = "dos"
	case strings.Contains(s, "UNIX") || strings.Contains(s, "L8"):
		sf.PathType = Unix
		sf.ParserHint = "unix"
	default:
		sf.PathType = Unix
		sf.ParserHint = "unix"
	}

	switch {
	case strings.Contains(g, "warftpd"):
		sf.Quirks |= QuirkBarePWD | QuirkNoopOnlyLogsOutIdle
	case strings.Contains(g, "vsftpd"):
		sf.Quirks |= QuirkSetModTimeViaMDTM
	case strings.Contains(g, "serv-u"):
		sf.Quirks |= QuirkModeZMissingTerminator
	}
	return sf
}

// KeepAliveCommand chooses between NOOP and PWD for a keep-alive probe,
// per SPEC_FULL §1 supplement 2: servers tagged QuirkNoopOnlyLogsOutIdle
// get PWD so the session looks active; everyone else gets the cheaper
// NOOP.
func (sf ServerFamily) KeepAliveCommand() Command {
	if sf.Quirks.Has(QuirkNoopOnlyLogsOutIdle) {
		return CmdPWD
	}
	return CmdNOOP
}
