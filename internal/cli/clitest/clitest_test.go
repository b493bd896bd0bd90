// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package clitest

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"

	"go.astrophena.name/rssbot/internal/cli"
	"go.astrophena.name/rssbot/internal/testutil"
)

// greeter greets the name read from stdin or $NAME.
type greeter struct {
	shout bool
	runs  int
}

func (g *greeter) Flags(flags *flag.FlagSet) {
	flags.BoolVar(&g.shout, "shout", false, "Greet loudly.")
}

func (g *greeter) Run(ctx context.Context) error {
	g.runs++
	env := cli.GetEnv(ctx)
	if len(env.Args) > 0 {
		switch env.Args[0] {
		case "open":
			_, err := os.Open("testdata/missing")
			return fmt.Errorf("opening: %w", err)
		default:
			return fmt.Errorf("%w: unknown command %q", cli.ErrInvalidArgs, env.Args[0])
		}
	}
	b, err := io.ReadAll(env.Stdin)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(string(b))
	if name == "" {
		name = env.Getenv("NAME")
	}
	if name == "" {
		fmt.Fprintln(env.Stderr, "nobody to greet")
		return nil
	}
	greeting := "hello, " + name
	if g.shout {
		greeting = strings.ToUpper(greeting)
	}
	fmt.Fprintln(env.Stdout, greeting)
	return nil
}

func TestRun(t *testing.T) {
	t.Parallel()

	Run(t, func(*testing.T) *greeter { return &greeter{} }, map[string]Case[*greeter]{
		"stdin": {
			Stdin:        strings.NewReader("gopher\n"),
			WantInStdout: "hello, gopher",
		},
		"environment": {
			Env:          map[string]string{"NAME": "rssbot"},
			WantInStdout: "hello, rssbot",
		},
		"flags": {
			Args:         []string{"-shout"},
			Env:          map[string]string{"NAME": "rssbot"},
			WantInStdout: "HELLO, RSSBOT",
		},
		"stderr": {
			WantInStderr: "nobody to greet",
		},
		"invalid arguments": {
			Args:    []string{"frobnicate"},
			WantErr: cli.ErrInvalidArgs,
		},
		"wrapped error type": {
			Args:        []string{"open"},
			WantErr:     fs.ErrNotExist,
			WantErrType: &fs.PathError{},
		},
		"app is checked after run": {
			Env: map[string]string{"NAME": "x"},
			CheckFunc: func(t *testing.T, g *greeter) {
				testutil.AssertEqual(t, g.runs, 1)
			},
		},
	})
}

func TestExec(t *testing.T) {
	t.Parallel()

	res := Exec(t, &greeter{}, Invocation{Args: []string{"-shout"}, Stdin: strings.NewReader("you")})
	testutil.AssertEqual(t, res, Result{Stdout: "HELLO, YOU\n"})

	res = Exec(t, cli.AppFunc(func(context.Context) error { return nil }), Invocation{})
	testutil.AssertEqual(t, res, Result{})
}

func TestHasErrorType(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("loading config: %w", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist})
	testutil.AssertEqual(t, hasErrorType(err, &fs.PathError{}), true)
	testutil.AssertEqual(t, hasErrorType(err, &strconvError{}), false)
	testutil.AssertEqual(t, hasErrorType(errors.New("plain"), &fs.PathError{}), false)
}

type strconvError struct{}

func (*strconvError) Error() string { return "strconv" }
