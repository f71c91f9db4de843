// Package ftpconfig holds the closed enumeration of configuration options
// spec.md §6 names, realized as a typed struct the way rclone materializes
// its []fs.Option declarations via configstruct.Set into a typed Options
// struct (backend/ftp/ftp.go's `Options`).
package ftpconfig

import (
	"fmt"
	"time"
)

// TransferMode is the default transfer mode.
type TransferMode int

// Transfer modes.
const (
	TransferModeAscii TransferMode = iota
	TransferModeBinary
	TransferModeAutodetect
)

// FileExistsPolicy resolves a target-file name collision.
type FileExistsPolicy int

// File-exists policies.
const (
	FileExistsAsk FileExistsPolicy = iota
	FileExistsOverwrite
	FileExistsResume
	FileExistsResumeOrOverwrite
	FileExistsAutorename
	FileExistsSkip
)

// DirExistsPolicy resolves a target-directory name collision.
type DirExistsPolicy int

// Dir-exists policies.
const (
	DirExistsAsk DirExistsPolicy = iota
	DirExistsJoin
	DirExistsAutorename
	DirExistsSkip
)

// CreatePolicy resolves a cannot-create-file/dir condition.
type CreatePolicy int

// Create policies.
const (
	CreateAsk CreatePolicy = iota
	CreateAutorename
	CreateSkip
)

// RetryPolicy resolves a retry-on-created/resumed-file condition.
type RetryPolicy int

// Retry policies.
const (
	RetryAsk RetryPolicy = iota
	RetryResume
	RetryOverwrite
	RetrySkip
)

// AsciiBinaryPolicy resolves an ASCII-transfer-of-binary-file condition.
type AsciiBinaryPolicy int

// ASCII/binary mismatch policies.
const (
	AsciiBinaryAsk AsciiBinaryPolicy = iota
	AsciiBinaryRedownloadBinary
	AsciiBinaryCancel
	AsciiBinaryIgnore
)

// AttrsPolicy resolves an unknown-attributes condition.
type AttrsPolicy int

// Unknown-attribute policies.
const (
	AttrsAsk AttrsPolicy = iota
	AttrsSkip
	AttrsIgnore
)

// DeletePolicy resolves hidden-file/dir and non-empty-dir deletes.
type DeletePolicy int

// Delete policies.
const (
	DeleteAsk DeletePolicy = iota
	DeleteDelete
	DeleteSkip
)

// Policies bundles every per-operation conflict policy from spec.md §6.
type Policies struct {
	FileAlreadyExists  FileExistsPolicy
	DirAlreadyExists   DirExistsPolicy
	CannotCreateFile   CreatePolicy
	CannotCreateDir    CreatePolicy
	RetryOnCreatedFile RetryPolicy
	RetryOnResumedFile RetryPolicy
	AsciiTrModeForBin  AsciiBinaryPolicy
	UnknownAttrs       AttrsPolicy
	HiddenFileDel      DeletePolicy
	HiddenDirDel       DeletePolicy
	NonemptyDirDel     DeletePolicy
}

// DefaultPolicies returns the conservative default policy set: ask for
// anything needing a human decision.
func DefaultPolicies() Policies {
	return Policies{}
}

// Options is the closed configuration enumeration from spec.md §6.
type Options struct {
	MaxConcurrentConnectionsPerOperation int
	ServerReplyTimeout                   time.Duration
	NoDataTransferTimeout                time.Duration
	ReconnectWait                        time.Duration
	KeepAlivePeriod                      time.Duration
	TransferModeDefault                  TransferMode
	AsciiMask                            []string
	UsePassiveDefault                    bool
	EncryptControl                       bool
	EncryptData                          bool
	CompressModeZ                        bool
	// MaxTransferRate bounds aggregate operation throughput in bytes/sec;
	// 0 disables the limit (SPEC_FULL DOMAIN STACK / supplement 4).
	MaxTransferRate int64
	DiskWorkers     int
}

// Design constants from spec.md §5.
const (
	DefaultServerReplyTimeout    = 20 * time.Second
	DefaultNoDataTransferTimeout = 30 * time.Second
	DefaultReconnectWait         = 20 * time.Second
	DefaultKeepAlivePeriod       = 30 * time.Second
	DefaultDiskWorkers           = 3
	FlushBufferSize              = 64 * 1024
	FlushTimerPeriod             = 1 * time.Second
)

// Default returns the default Options, matching spec.md §5's design
// constants.
func Default() Options {
	return Options{
		MaxConcurrentConnectionsPerOperation: 4,
		ServerReplyTimeout:                   DefaultServerReplyTimeout,
		NoDataTransferTimeout:                DefaultNoDataTransferTimeout,
		ReconnectWait:                        DefaultReconnectWait,
		KeepAlivePeriod:                      DefaultKeepAlivePeriod,
		TransferModeDefault:                  TransferModeAutodetect,
		UsePassiveDefault:                    true,
		EncryptControl:                       false,
		EncryptData:                          false,
		CompressModeZ:                        false,
		DiskWorkers:                          DefaultDiskWorkers,
	}
}

// Option mutates an Options value, following rclone's functional-option
// idiom for building up config outside of a flag parser.
type Option func(*Options)

// WithConcurrency sets MaxConcurrentConnectionsPerOperation.
func WithConcurrency(n int) Option {
	return func(o *Options) { o.MaxConcurrentConnectionsPerOperation = n }
}

// WithTLS enables control+data encryption.
func WithTLS(control, data bool) Option {
	return func(o *Options) { o.EncryptControl = control; o.EncryptData = data }
}

// WithModeZ enables MODE Z compression.
func WithModeZ(enabled bool) Option {
	return func(o *Options) { o.CompressModeZ = enabled }
}

// New builds Options starting from Default and applying opts.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Validate checks the closed enumeration for obviously invalid values.
func (o Options) Validate() error {
	if o.MaxConcurrentConnectionsPerOperation < 1 {
		return fmt.Errorf("ftpconfig: max_concurrent_connections_per_operation must be >= 1, got %d", o.MaxConcurrentConnectionsPerOperation)
	}
	if o.DiskWorkers < 1 {
		return fmt.Errorf("ftpconfig: disk worker pool size must be >= 1, got %d", o.DiskWorkers)
	}
	if o.MaxTransferRate < 0 {
		return fmt.Errorf("ftpconfig: max transfer rate must be >= 0, got %d", o.MaxTransferRate)
	}
	return nil
}

// Endpoint is a server endpoint descriptor, spec.md §3 "Server endpoint".
type Endpoint struct {
	Host               string
	Port               int
	User               string
	Password           string
	Proxy              string
	TLSPolicy          TLSPolicy
	CompressionPolicy  CompressionPolicy
	ServerHint         string
}

// TLSPolicy controls control/data encryption for an endpoint.
type TLSPolicy int

// TLS policies.
const (
	TLSNone TLSPolicy = iota
	TLSExplicit
	TLSImplicit
)

// CompressionPolicy controls MODE Z usage for an endpoint.
type CompressionPolicy int

// Compression policies.
const (
	CompressionOff CompressionPolicy = iota
	CompressionModeZ
)

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.User, e.Host, e.Port)
}

// Address returns host:port for dialing.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
