package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Tool selects the external executable a job delegates the transfer to.
type Tool string

const (
	// ToolMirror is the robust directory mirroring tool (robocopy).
	ToolMirror Tool = "robocopy"
	// ToolCloud is the general purpose sync tool with cloud backends (rclone).
	ToolCloud Tool = "rclone"
)

// Mode is tool dependent: MIR and E-Copy for ToolMirror, sync and copy for ToolCloud.
type Mode string

const (
	ModeMirror      Mode = "MIR"
	ModeCopySubtree Mode = "E-Copy"
	ModeSync        Mode = "sync"
	ModeCopy        Mode = "copy"
)

// Status is the UI facing state of a job. Only the job runner changes it.
type Status string

const (
	StatusIdle      Status = "Idle"
	StatusSyncing   Status = "Syncing"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

var ErrInvalidJob = errors.New("invalid job")

// Tool option defaults, applied when a value is zero.
const (
	DefaultThreads            = 16
	DefaultRetries            = 3
	DefaultWaitSeconds        = 5
	DefaultCheckers           = 16
	DefaultTransfers          = 8
	DefaultMultiThreadStreams = 4
)

// MirrorOptions are tunables of ToolMirror.
type MirrorOptions struct {
	Threads     int `mapstructure:"threads" json:"threads,omitempty" yaml:"threads,omitempty"`
	Retries     int `mapstructure:"retries" json:"retries,omitempty" yaml:"retries,omitempty"`
	WaitSeconds int `mapstructure:"wait" json:"wait,omitempty" yaml:"wait,omitempty"`
	// CleanRust runs `cargo clean` in every Cargo project below the source before copying.
	CleanRust bool `mapstructure:"clean_rust" json:"clean_rust,omitempty" yaml:"clean_rust,omitempty"`
}

// CloudOptions are tunables of ToolCloud.
type CloudOptions struct {
	Checkers           int `mapstructure:"checkers" json:"checkers,omitempty" yaml:"checkers,omitempty"`
	Transfers          int `mapstructure:"transfers" json:"transfers,omitempty" yaml:"transfers,omitempty"`
	MultiThreadStreams int `mapstructure:"multi_thread_streams" json:"multi_thread_streams,omitempty" yaml:"multi_thread_streams,omitempty"`
}

// Job describes one source/destination pair. Exclusions keep their order,
// a trailing path separator marks a directory exclusion.
// Only the options variant matching Tool is used.
type Job struct {
	Source      string         `mapstructure:"source" json:"source" yaml:"source"`
	Destination string         `mapstructure:"destination" json:"destination" yaml:"destination"`
	Tool        Tool           `mapstructure:"tool" json:"tool" yaml:"tool"`
	Mode        Mode           `mapstructure:"mode" json:"mode,omitempty" yaml:"mode,omitempty"`
	Enabled     bool           `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Exclusions  []string       `mapstructure:"exclusions" json:"exclusions,omitempty" yaml:"exclusions,omitempty"`
	Mirror      *MirrorOptions `mapstructure:"robocopy" json:"robocopy,omitempty" yaml:"robocopy,omitempty"`
	Cloud       *CloudOptions  `mapstructure:"rclone" json:"rclone,omitempty" yaml:"rclone,omitempty"`
}

// Key identifies a job independently of its position in a job list.
type Key struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (k Key) String() string {
	return k.Source + " -> " + k.Destination
}

func (j Job) Key() Key {
	return Key{Source: j.Source, Destination: j.Destination}
}

// MirrorOptions returns the mirror tunables with defaults applied.
func (j Job) MirrorOptions() MirrorOptions {
	var o MirrorOptions
	if j.Mirror != nil {
		o = *j.Mirror
	}
	o.Threads = orDefault(o.Threads, DefaultThreads)
	o.Retries = orDefault(o.Retries, DefaultRetries)
	o.WaitSeconds = orDefault(o.WaitSeconds, DefaultWaitSeconds)
	return o
}

// CloudOptions returns the cloud tunables with defaults applied.
func (j Job) CloudOptions() CloudOptions {
	var o CloudOptions
	if j.Cloud != nil {
		o = *j.Cloud
	}
	o.Checkers = orDefault(o.Checkers, DefaultCheckers)
	o.Transfers = orDefault(o.Transfers, DefaultTransfers)
	o.MultiThreadStreams = orDefault(o.MultiThreadStreams, DefaultMultiThreadStreams)
	return o
}

// Clone returns a deep copy, so a snapshot is not affected by later edits of j.
func (j Job) Clone() Job {
	c := j
	c.Exclusions = slices.Clone(j.Exclusions)
	if j.Mirror != nil {
		m := *j.Mirror
		c.Mirror = &m
	}
	if j.Cloud != nil {
		o := *j.Cloud
		c.Cloud = &o
	}
	return c
}

// Validate checks the job at the config/UI boundary. It returns all problems
// joined together, each wrapping ErrInvalidJob.
func (j Job) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidJob}, args...)...))
	}

	if strings.TrimSpace(j.Source) == "" {
		add("empty source")
	}
	if strings.TrimSpace(j.Destination) == "" {
		add("empty destination")
	}

	switch j.Tool {
	case ToolMirror:
		if j.Mode != "" && j.Mode != ModeMirror && j.Mode != ModeCopySubtree {
			add("mode %q is not supported by %s", j.Mode, j.Tool)
		}
		if o := j.Mirror; o != nil && (o.Threads < 0 || o.Retries < 0 || o.WaitSeconds < 0) {
			add("negative %s option", j.Tool)
		}
	case ToolCloud:
		if j.Mode != "" && j.Mode != ModeSync && j.Mode != ModeCopy {
			add("mode %q is not supported by %s", j.Mode, j.Tool)
		}
		if o := j.Cloud; o != nil && (o.Checkers < 0 || o.Transfers < 0 || o.MultiThreadStreams < 0) {
			add("negative %s option", j.Tool)
		}
	default:
		add("unknown tool %q", j.Tool)
	}

	for _, pattern := range j.Exclusions {
		p := strings.TrimRight(strings.TrimSpace(pattern), `/\`)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(filepathToSlash(p)) {
			add("malformed exclusion %q", pattern)
		}
	}

	return errors.Join(errs...)
}

// ParseTool maps user input to a Tool, accepting a few aliases.
func ParseTool(s string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "robocopy", "mirror":
		return ToolMirror, nil
	case "rclone", "cloud":
		return ToolCloud, nil
	default:
		return "", fmt.Errorf("%w: unknown tool %q (valid: robocopy, rclone)", ErrInvalidJob, s)
	}
}

// ParseMode maps user input to a Mode of the given tool. Empty input gives the
// tool's default mode.
func ParseMode(tool Tool, s string) (Mode, error) {
	s = strings.TrimSpace(s)
	switch tool {
	case ToolMirror:
		switch strings.ToUpper(s) {
		case "", "MIR", "MIRROR":
			return ModeMirror, nil
		case "E-COPY", "E", "COPY":
			return ModeCopySubtree, nil
		}
	case ToolCloud:
		switch strings.ToLower(s) {
		case "", "sync":
			return ModeSync, nil
		case "copy":
			return ModeCopy, nil
		}
	}
	return "", fmt.Errorf("%w: mode %q is not supported by %q", ErrInvalidJob, s, tool)
}

// Enabled returns deep copies of the enabled jobs, in order.
func Enabled(jobs []Job) []Job {
	ret := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Enabled {
			ret = append(ret, j.Clone())
		}
	}
	return ret
}

// Find returns the job identified by key.
func Find(jobs []Job, key Key) (Job, bool) {
	for _, j := range jobs {
		if j.Key() == key {
			return j.Clone(), true
		}
	}
	return Job{}, false
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// doublestar patterns are slash separated, backslash is an escape there
func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
