package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// playerArgs splits the configured player command on whitespace and appends
// the part URLs.
func playerArgs(command string, urls []string) ([]string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, wrapCategory(CategoryInvalidInput, errors.New("empty player command"))
	}
	return append(fields, urls...), nil
}

// launchPlayer runs the external player and waits for it to exit.
func launchPlayer(ctx context.Context, command string, urls []string, stdout, stderr io.Writer) error {
	args, err := playerArgs(command, urls)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return wrapCategory(CategoryInvalidInput, fmt.Errorf("start player %q: %w", args[0], err))
		}
		return wrapCategory(CategoryUnknown, fmt.Errorf("player %q: %w", args[0], err))
	}
	return nil
}
