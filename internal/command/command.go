// Package command translates a job description into the invocation of the
// external tool doing the actual transfer. It does not touch the filesystem.
package command

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dohuyhoang93/DirectorySync/internal/model"

	"github.com/google/uuid"
)

var ErrInvalidTool = errors.New("invalid tool")

// Mirror tool flags.
const (
	flagMirror      = "/MIR"
	flagCopySubtree = "/E"
	flagExcludeDirs = "/XD"
	flagExcludeFile = "/XF"
)

// Cloud tool flags.
const (
	flagExclude = "--exclude"
	flagLogFile = "--log-file="
	subtree     = "/**"
)

// Command is a fully formed invocation of an external tool.
type Command struct {
	Tool model.Tool
	Path string
	Args []string
	// LogFile is the scratch log the tool writes to, empty when not used.
	LogFile string
}

// String renders the command line the way a shell user would type it,
// arguments containing blanks or quotes are quoted.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Path))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

// Builder builds commands for both tools. The zero value uses executables
// robocopy and rclone looked up in PATH and the system temporary directory.
type Builder struct {
	MirrorPath string
	CloudPath  string
	CargoPath  string
	TempDir    string
	// NewID names the scratch log files, uuid.NewString when nil.
	NewID func() string
}

// Build builds the command of a job with the zero Builder.
func Build(job model.Job) (Command, error) {
	return Builder{}.Build(job)
}

// Build returns ErrInvalidTool for a tool it does not know, the caller must
// not execute anything in that case.
func (b Builder) Build(job model.Job) (Command, error) {
	switch job.Tool {
	case model.ToolMirror:
		return b.mirror(job), nil
	case model.ToolCloud:
		return b.cloud(job), nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidTool, job.Tool)
	}
}

func (b Builder) mirror(job model.Job) Command {
	opts := job.MirrorOptions()

	args := []string{job.Source, job.Destination}
	switch job.Mode {
	case model.ModeMirror:
		args = append(args, flagMirror)
	default:
		args = append(args, flagCopySubtree)
	}
	args = append(args,
		"/MT:"+strconv.Itoa(opts.Threads),
		"/R:"+strconv.Itoa(opts.Retries),
		"/W:"+strconv.Itoa(opts.WaitSeconds),
		"/Z",
		"/COPY:DAT",
		"/NP",
		"/NJH",
	)

	dirs, files := MirrorExclusions(job.Exclusions)
	if len(dirs) > 0 {
		args = append(args, flagExcludeDirs)
		args = append(args, dirs...)
	}
	if len(files) > 0 {
		args = append(args, flagExcludeFile)
		args = append(args, files...)
	}

	return Command{
		Tool: model.ToolMirror,
		Path: or(b.MirrorPath, string(model.ToolMirror)),
		Args: args,
	}
}

func (b Builder) cloud(job model.Job) Command {
	opts := job.CloudOptions()

	verb := string(model.ModeSync)
	if job.Mode == model.ModeCopy {
		verb = string(model.ModeCopy)
	}

	newID := b.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logFile := filepath.Join(or(b.TempDir, os.TempDir()), "dirsync-rclone-"+newID()+".log")

	args := []string{
		verb,
		job.Source,
		job.Destination,
		"--checkers=" + strconv.Itoa(opts.Checkers),
		"--transfers=" + strconv.Itoa(opts.Transfers),
		"--multi-thread-streams=" + strconv.Itoa(opts.MultiThreadStreams),
		"--update",
		"--copy-links",
		flagLogFile + logFile,
		"--log-level=INFO",
	}
	for _, p := range CloudExclusions(job.Exclusions) {
		args = append(args, flagExclude, p)
	}

	return Command{
		Tool:    model.ToolCloud,
		Path:    or(b.CloudPath, string(model.ToolCloud)),
		Args:    args,
		LogFile: logFile,
	}
}

// CargoClean removes the build output of the Cargo project in dir.
func (b Builder) CargoClean(dir string) Command {
	return Command{
		Path: or(b.CargoPath, CargoTool),
		Args: []string{"clean", "--manifest-path", filepath.Join(dir, CargoManifest)},
	}
}

const (
	// CargoManifest marks the root of a Rust project.
	CargoManifest = "Cargo.toml"
	CargoTool     = "cargo"
)

// MirrorExclusions classifies patterns by a trailing path separator. Directory
// patterns are returned without the separator. Blank patterns are dropped and
// the order within each group is kept.
func MirrorExclusions(patterns []string) (dirs, files []string) {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if isDir(p) {
			if d := strings.TrimRight(p, `/\`); d != "" {
				dirs = append(dirs, d)
			}
			continue
		}
		files = append(files, p)
	}
	return dirs, files
}

// CloudExclusions rewrites a directory pattern to match the directory and
// everything below it. Other patterns pass unchanged.
func CloudExclusions(patterns []string) []string {
	var ret []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if isDir(p) {
			d := strings.TrimRight(p, `/\`)
			if d == "" {
				continue
			}
			p = d + subtree
		}
		ret = append(ret, p)
	}
	return ret
}

// Exclusions decodes the exclusion flags of a built command back into
// directory and file patterns.
func (c Command) Exclusions() (dirs, files []string) {
	switch c.Tool {
	case model.ToolMirror:
		var group *[]string
		for _, a := range c.Args {
			switch {
			case a == flagExcludeDirs:
				group = &dirs
			case a == flagExcludeFile:
				group = &files
			case group != nil:
				*group = append(*group, a)
			}
		}
	case model.ToolCloud:
		for i := 0; i < len(c.Args)-1; i++ {
			if c.Args[i] != flagExclude {
				continue
			}
			p := c.Args[i+1]
			if d, ok := strings.CutSuffix(p, subtree); ok {
				dirs = append(dirs, d)
			} else {
				files = append(files, p)
			}
			i++
		}
	}
	return dirs, files
}

func isDir(p string) bool {
	return strings.HasSuffix(p, "/") || strings.HasSuffix(p, `\`)
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
