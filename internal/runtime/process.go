package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"

	"localsched/internal/env"
	"localsched/internal/payload"
)

// exitMissingHandler is the runner's exit status when the module lacks the symbol.
const exitMissingHandler = 3

// nodeRunner loads a module, calls the exported handler with (event, context,
// callback) and writes the JSON result to stdout. Handler output goes to stderr.
const nodeRunner = `
const [file, name] = process.argv.slice(1);
console.log = console.info = console.debug = console.error;
let input = '';
process.stdin.setEncoding('utf8');
process.stdin.on('data', (c) => { input += c; });
process.stdin.on('end', () => {
  const { event, context } = JSON.parse(input);
  const fn = require(file)[name];
  if (typeof fn !== 'function') {
    process.stderr.write('handler ' + name + ' is not exported by ' + file + '\n');
    process.exit(3);
  }
  let settled = false;
  const done = (err, result) => {
    if (settled) return;
    settled = true;
    if (err) {
      process.stderr.write(String((err && err.stack) || err) + '\n');
      process.exitCode = 1;
      return;
    }
    if (result !== undefined) process.stdout.write(JSON.stringify(result));
  };
  try {
    const ret = fn(event, context, done);
    if (ret && typeof ret.then === 'function') ret.then((r) => done(null, r), done);
  } catch (e) {
    done(e);
  }
});
`

// Process runs modules from disk in a child interpreter, one process per invocation.
type Process struct {
	Command string
	Output  io.Writer
}

func (p Process) Load(path string) (Module, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return processModule{proc: p, path: path}, nil
}

type processModule struct {
	proc Process
	path string
}

func (m processModule) Lookup(symbol string) (Function, bool) {
	if symbol == "" {
		return nil, false
	}
	return processFunction{proc: m.proc, path: m.path, symbol: symbol}, true
}

type processFunction struct {
	proc   Process
	path   string
	symbol string
}

type processInput struct {
	Event   payload.Event   `json:"event"`
	Context payload.Context `json:"context"`
}

func (f processFunction) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	in, err := json.Marshal(processInput{Event: inv.Event, Context: inv.Context})
	if err != nil {
		return nil, err
	}
	command := f.proc.Command
	if command == "" {
		command = "node"
	}
	cmd := exec.CommandContext(ctx, command, "-e", nodeRunner, f.path, f.symbol)
	if inv.Env != nil {
		cmd.Env = env.Pairs(inv.Env)
	}
	cmd.Stdin = bytes.NewReader(in)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if f.proc.Output != nil {
		cmd.Stderr = io.MultiWriter(&errOut, f.proc.Output)
	}

	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitMissingHandler {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, f.path, f.symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("%s error: %v; out=%s", command, err, errOut.String())
	}
	return out.Bytes(), nil
}
