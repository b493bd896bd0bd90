// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package clitest runs command-line applications built with [cli] in tests.
package clitest

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"go.astrophena.name/rssbot/internal/cli"
)

// Invocation describes how an application is started.
type Invocation struct {
	Args  []string
	Stdin io.Reader
	// Env holds environment variables; unset ones are empty.
	Env map[string]string
}

// Result is what an invocation produced.
type Result struct {
	Stdout string
	Stderr string
	Err    error
}

// Exec runs app once within the test context and returns its output.
func Exec(t *testing.T, app cli.App, inv Invocation) Result {
	t.Helper()

	stdin := inv.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	var stdout, stderr strings.Builder
	env := &cli.Env{
		Args:   inv.Args,
		Getenv: func(name string) string { return inv.Env[name] },
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	}
	err := cli.Run(cli.WithEnv(t.Context(), env), app)
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

// Case is a single invocation of an application and what it must produce.
type Case[App cli.App] struct {
	Args  []string
	Stdin io.Reader
	Env   map[string]string
	// WantErr is matched with errors.Is.
	WantErr error
	// WantErrType is matched with errors.As against the whole chain of
	// wrapped errors, so a pointer type like &os.PathError{} works.
	WantErrType error
	// WantNothingPrinted requires both stdout and stderr to be empty.
	WantNothingPrinted bool
	WantInStdout       string
	WantInStderr       string
	// CheckFunc runs additional checks after the application has returned.
	CheckFunc func(*testing.T, App)
}

// Run runs every case in a parallel subtest against a fresh application made
// by setup.
func Run[App cli.App](t *testing.T, setup func(*testing.T) App, cases map[string]Case[App]) {
	t.Helper()
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := setup(t)
			res := Exec(t, app, Invocation{Args: tc.Args, Stdin: tc.Stdin, Env: tc.Env})
			tc.checkErr(t, res.Err)
			tc.checkOutput(t, res)
			if tc.CheckFunc != nil {
				tc.CheckFunc(t, app)
			}
		})
	}
}

func (tc Case[App]) checkErr(t *testing.T, err error) {
	t.Helper()
	switch {
	case err == nil && tc.WantErr == nil && tc.WantErrType == nil:
	case err == nil:
		t.Fatalf("succeeded, want error %v (type %T)", tc.WantErr, tc.WantErrType)
	case tc.WantErr == nil && tc.WantErrType == nil:
		t.Fatalf("unexpected error: %v", err)
	case tc.WantErr != nil && !errors.Is(err, tc.WantErr):
		t.Fatalf("got error %v, want %v", err, tc.WantErr)
	case tc.WantErrType != nil && !hasErrorType(err, tc.WantErrType):
		t.Fatalf("got error %v (%T), want one of type %T in the chain", err, err, tc.WantErrType)
	}
}

// hasErrorType reports whether an error of the same type as target is found
// in the chain of err.
func hasErrorType(err, target error) bool {
	ptr := reflect.New(reflect.TypeOf(target))
	return errors.As(err, ptr.Interface())
}

func (tc Case[App]) checkOutput(t *testing.T, res Result) {
	t.Helper()
	if tc.WantNothingPrinted && (res.Stdout != "" || res.Stderr != "") {
		t.Errorf("want no output, got stdout %q and stderr %q", res.Stdout, res.Stderr)
	}
	if !strings.Contains(res.Stdout, tc.WantInStdout) {
		t.Errorf("stdout must contain %q, got: %q", tc.WantInStdout, res.Stdout)
	}
	if !strings.Contains(res.Stderr, tc.WantInStderr) {
		t.Errorf("stderr must contain %q, got: %q", tc.WantInStderr, res.Stderr)
	}
}
