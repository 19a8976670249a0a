package appserver

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/leonletto/anchord/internal/types"
)

const doctorTimeout = 10 * time.Second

// DoctorReport is the outcome of checking an agent installation.
type DoctorReport struct {
	OK          bool    `json:"ok"`
	CodexBin    *string `json:"codexBin"`
	Version     *string `json:"version"`
	AppServerOK bool    `json:"appServerOk"`
	Details     *string `json:"details"`
	Path        *string `json:"path"`
	NodeOK      bool    `json:"nodeOk"`
	NodeVersion *string `json:"nodeVersion"`
	NodeDetails *string `json:"nodeDetails"`
}

// Doctor checks that bin runs, reports a version and supports app-server,
// and reports the node runtime the agent's npm install depends on.
func Doctor(ctx context.Context, bin, rawArgs string) DoctorReport {
	if bin == "" {
		bin = DefaultBinary
	}
	report := DoctorReport{CodexBin: &bin}
	args, err := SplitArgs(rawArgs)
	if err != nil {
		report.Details = types.StringPtr("invalid codex args: " + err.Error())
		return report
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		report.Details = types.StringPtr("Codex CLI not found: " + err.Error())
		return report
	}
	report.Path = &resolved

	out, err := runTool(ctx, resolved, append(append([]string{}, args...), "--version")...)
	if err != nil {
		report.Details = types.StringPtr("Failed to run `" + bin + " --version`: " + out)
		return report
	}
	if out != "" {
		report.Version = &out
	}

	if out, err := runTool(ctx, resolved, append(append([]string{}, args...), "app-server", "--help")...); err != nil {
		report.Details = types.StringPtr("Codex CLI does not support app-server: " + out)
	} else {
		report.AppServerOK = true
	}

	if node, err := exec.LookPath("node"); err != nil {
		report.NodeDetails = types.StringPtr("Node.js not found on PATH.")
	} else if v, err := runTool(ctx, node, "--version"); err != nil {
		report.NodeDetails = types.StringPtr("Failed to run `node --version`: " + v)
	} else {
		report.NodeOK = true
		report.NodeVersion = &v
	}

	report.OK = report.AppServerOK
	return report
}

// runTool returns trimmed stdout, or stderr when the command fails.
func runTool(ctx context.Context, bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // G204 - user-configured agent binary
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return msg, err
	}
	return strings.TrimSpace(stdout.String()), nil
}
