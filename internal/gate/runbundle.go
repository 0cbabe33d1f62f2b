package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/forgewire/ftl/internal/interp"
)

// RunInSubprocess stages archive to a temp file under stagingDir and
// re-executes the current binary in "-run-bundle" mode, piping the
// module's argument envelope on stdin and capturing stdout/stderr
// separately. This is the parent-side counterpart to RunBundle, and is
// shared by the gate dispatcher's own non-async isolation and by a
// driver's local (non-remote) non-async execution path, so that both
// get the same fresh-interpreter-per-invocation crash isolation.
func RunInSubprocess(ctx context.Context, stagingDir string, archive []byte, moduleName string, args map[string]any, checkMode bool) (stdout, stderr string, err error) {
	tmp, err := os.CreateTemp(stagingDir, "ftl_bundle_*.zip")
	if err != nil {
		return "", "", fmt.Errorf("stage bundle: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(archive); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("write staged bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close staged bundle: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return "", "", fmt.Errorf("resolve executable: %w", err)
	}

	envelope := moduleArgsEnvelope(args, checkMode)
	body, err := json.Marshal(map[string]any{"ANSIBLE_MODULE_ARGS": envelope})
	if err != nil {
		return "", "", fmt.Errorf("encode module args: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, "-run-bundle", tmp.Name(), moduleName)
	cmd.Stdin = bytes.NewReader(body)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", "", fmt.Errorf("start run-bundle subprocess: %w", runErr)
		}
	}
	return outBuf.String(), errBuf.String(), nil
}

// RunBundle is the "-run-bundle" subprocess entry point (spec.md
// §4.5/§9): it loads one module from a staged archive, runs it in a
// fresh yaegi session, and writes its JSON reply to stdout the way a
// non-async module's own process would. The dispatcher that forked
// this process never sees interpreter state from it; only the
// captured stdout/stderr and exit code cross back over the pipe.
func RunBundle(ctx context.Context, archivePath, moduleName string, stdin io.Reader, stdout, stderr io.Writer) int {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		fmt.Fprintf(stderr, "read bundle: %v\n", err)
		return 1
	}
	files, err := unzip(data)
	if err != nil {
		fmt.Fprintf(stderr, "unpack bundle: %v\n", err)
		return 1
	}

	session, err := interp.New()
	if err != nil {
		fmt.Fprintf(stderr, "create interpreter: %v\n", err)
		return 1
	}
	fn, err := session.LoadFromArchive(files, moduleName+".go")
	if err != nil {
		fmt.Fprintf(stderr, "load module: %v\n", err)
		return 1
	}

	var envelope struct {
		Args map[string]any `json:"ANSIBLE_MODULE_ARGS"`
	}
	if err := json.NewDecoder(stdin).Decode(&envelope); err != nil {
		fmt.Fprintf(stderr, "decode module args: %v\n", err)
		return 1
	}
	checkMode, _ := envelope.Args["_ansible_check_mode"].(bool)
	delete(envelope.Args, "_ansible_check_mode")

	out, err := interp.Call(ctx, fn, envelope.Args, checkMode)
	if err != nil {
		_ = json.NewEncoder(stdout).Encode(map[string]any{"failed": true, "msg": err.Error()})
		return 1
	}
	if err := json.NewEncoder(stdout).Encode(out); err != nil {
		fmt.Fprintf(stderr, "encode module result: %v\n", err)
		return 1
	}
	return 0
}
