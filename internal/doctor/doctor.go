// Package doctor checks a loaded cmdsink configuration against the host it is
// about to run on.
package doctor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattjoyce/cmdsink/internal/auth"
	"github.com/mattjoyce/cmdsink/internal/config"
	"github.com/mattjoyce/cmdsink/internal/input"
	"github.com/mattjoyce/cmdsink/internal/shell"
	"github.com/mattjoyce/cmdsink/internal/sink"
	"github.com/mattjoyce/cmdsink/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the local environment.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	checkFS  func(string) error
	stat     func(string) (os.FileInfo, error)
}

// Option customises a Doctor.
type Option func(*Doctor)

// WithLookPath replaces exec.LookPath for the interpreter check.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// WithFilesystemCheck replaces storage.CheckLocalFilesystem for the ledger check.
func WithFilesystemCheck(fn func(string) error) Option {
	return func(d *Doctor) { d.checkFS = fn }
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		checkFS:  storage.CheckLocalFilesystem,
		stat:     os.Stat,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateShell(r)
	d.validateState(r)
	d.validateAPI(r)
	d.warnInputs(r)
	d.warnOutputNaming(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateShell checks that the interpreter for the target OS can be found.
func (d *Doctor) validateShell(r *Result) {
	target := d.cfg.Output.OS
	if target != "" && shell.IsWindows(target) != shell.IsWindows(runtime.GOOS) {
		d.addWarning(r, "shell", "out.os",
			fmt.Sprintf("out.os %q differs from host %q; interpreter not checked", target, runtime.GOOS))
		return
	}

	tokens := shell.Host()
	if target != "" {
		tokens = shell.Resolve(target)
	}
	if _, err := d.lookPath(tokens[0]); err != nil {
		d.addError(r, "shell", "out.command",
			fmt.Sprintf("interpreter %q not found: %v", tokens[0], err))
	}
}

// validateState checks that the ledger can live where it is configured.
func (d *Doctor) validateState(r *Result) {
	if err := d.checkFS(d.cfg.State.Path); err != nil {
		if errors.Is(err, storage.ErrNetworkFilesystem) {
			d.addError(r, "state", "state.path", err.Error())
			return
		}
		d.addWarning(r, "state", "state.path", fmt.Sprintf("filesystem check failed: %v", err))
	}
}

// validateAPI checks API exposure and token scopes.
func (d *Doctor) validateAPI(r *Result) {
	for i, tok := range d.cfg.API.Tokens {
		for j, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "api", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected %s, %s or %s)", scope, auth.ScopeRunsRead, auth.ScopeEventsRead, auth.ScopeAll))
			}
		}
	}

	if d.cfg.API.Enabled && len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.tokens", "API enabled but no authentication configured")
	}
}

// warnInputs flags configured inputs that will not do what was likely meant.
func (d *Doctor) warnInputs(r *Result) {
	stdin := 0
	for i, p := range d.cfg.Input.Paths {
		field := fmt.Sprintf("in.paths[%d]", i)
		if p == input.StdinPath {
			stdin++
			if stdin == 2 {
				d.addWarning(r, "inputs", field, "stdin listed more than once; later reads see EOF")
			}
			continue
		}
		if _, err := d.stat(p); err != nil {
			d.addWarning(r, "inputs", field, fmt.Sprintf("input %s is not readable now: %v", p, err))
		}
	}

	if n := len(d.cfg.Input.Paths); n > 0 && d.cfg.Exec.Tasks > n {
		d.addWarning(r, "inputs", "exec.tasks",
			fmt.Sprintf("%d tasks but only %d inputs; idle tasks commit without files", d.cfg.Exec.Tasks, n))
	}
}

// warnOutputNaming warns when split files would all go to the same place.
func (d *Doctor) warnOutputNaming(r *Result) {
	if d.cfg.Input.SplitBytes <= 0 {
		return
	}
	if !strings.Contains(d.cfg.Output.Command, sink.EnvSeqID) {
		d.addWarning(r, "output", "out.command",
			fmt.Sprintf("in.split_bytes is set but out.command never references %s; every file gets the same command", sink.EnvSeqID))
	}
}
