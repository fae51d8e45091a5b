package lifecycle

import (
	"context"
	"fmt"
	"strings"

	hivehost "github.com/hivehost/hivehost"
)

// aptOutputLimit bounds the installer output relayed to the chat.
const aptOutputLimit = 1500

// InstallPackages installs Debian packages inside the container with apt-get.
// Package names are validated before anything is executed. The returned text
// is the tail of the installer output.
func (c *Controller) InstallPackages(ctx context.Context, requesterID, userID, containerID string, packages []string) (string, error) {
	unlock := c.lock(containerID)
	defer unlock()

	if _, err := c.authorize("apt", requesterID, userID, containerID); err != nil {
		return "", err
	}
	if len(packages) == 0 {
		return "", &hivehost.OpError{Op: "apt", User: userID, Container: containerID,
			Err: fmt.Errorf("no packages named: %w", hivehost.ErrValidation)}
	}
	for _, pkg := range packages {
		if !validPackageName(pkg) {
			return "", &hivehost.OpError{Op: "apt", User: userID, Container: containerID,
				Err: fmt.Errorf("invalid package name %q: %w", pkg, hivehost.ErrValidation)}
		}
	}

	if _, err := c.rt.ExecCapture(ctx, containerID, []string{"apt-get", "update"}); err != nil {
		return "", &hivehost.OpError{Op: "apt", User: userID, Container: containerID, Err: err}
	}
	argv := append([]string{"apt-get", "install", "-y"}, packages...)
	out, err := c.rt.ExecCapture(ctx, containerID, argv)
	if err != nil {
		return "", &hivehost.OpError{Op: "apt", User: userID, Container: containerID, Err: err}
	}
	if len(out) > aptOutputLimit {
		out = out[len(out)-aptOutputLimit:]
	}
	return strings.TrimSpace(out), nil
}

// validPackageName accepts Debian package name syntax: lowercase letters,
// digits, and ".+-", starting with an alphanumeric. Everything else is
// rejected so user input never reaches a shell-like position.
func validPackageName(pkg string) bool {
	if pkg == "" || len(pkg) > 100 {
		return false
	}
	for i, r := range pkg {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '.' || r == '+' || r == '-') && i > 0:
		default:
			return false
		}
	}
	return true
}
