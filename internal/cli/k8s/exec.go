// Package k8s reaches the gateway from outside the cluster by running curl
// inside its pod with kubectl exec.
package k8s

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Config holds the kubectl execution configuration.
type Config struct {
	Namespace  string
	Context    string
	Deployment string
	Port       int
}

// StatusError is a non-2xx answer relayed from inside the pod.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d", e.Status)
}

// statusMarker separates the response body from the status code curl
// appends with -w.
const statusMarker = "\n__status:"

// ExecAPICall runs one API request against the gateway inside the deployment.
func ExecAPICall(ctx context.Context, cfg *Config, method, path string, body []byte) ([]byte, error) {
	args := buildKubectlArgs(cfg, method, path, body)

	cmd := exec.CommandContext(ctx, "kubectl", args...)
	if len(body) > 0 {
		cmd.Stdin = bytes.NewReader(body)
	}
	output, err := cmd.CombinedOutput()

	return parseResponse(output, err)
}

func buildKubectlArgs(cfg *Config, method, path string, body []byte) []string {
	var args []string

	if cfg.Context != "" {
		args = append(args, "--context", cfg.Context)
	}

	args = append(args, "exec")
	if len(body) > 0 {
		args = append(args, "-i")
	}
	args = append(args,
		"-n", cfg.Namespace,
		fmt.Sprintf("deployment/%s", cfg.Deployment),
		"--",
		"curl", "-sS",
		"-X", method,
		"-w", statusMarker+"%{http_code}",
	)

	// Body is streamed on stdin so it never shows up in the process list.
	if len(body) > 0 {
		args = append(args, "-H", "Content-Type: application/json", "--data-binary", "@-")
	}

	args = append(args, fmt.Sprintf("http://localhost:%d%s", cfg.Port, path))
	return args
}

func parseResponse(output []byte, execErr error) ([]byte, error) {
	if execErr != nil {
		errMsg := string(output)
		if strings.Contains(errMsg, "not found") {
			return nil, fmt.Errorf("kubectl exec failed: deployment not found. Make sure the gateway is running and the namespace is correct.\n%s", errMsg)
		}
		if strings.Contains(errMsg, "executable file not found") {
			return nil, fmt.Errorf("kubectl not found in PATH. Please install kubectl")
		}
		return nil, fmt.Errorf("kubectl exec failed: %w\n%s", execErr, errMsg)
	}

	i := bytes.LastIndex(output, []byte(statusMarker))
	if i < 0 {
		return nil, fmt.Errorf("unexpected response from pod: %q", output)
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(output[i+len(statusMarker):])))
	if err != nil {
		return nil, fmt.Errorf("unexpected status from pod: %w", err)
	}
	body := output[:i]
	if status < 200 || status > 299 {
		return nil, &StatusError{Status: status, Body: body}
	}
	return body, nil
}

// NewConfig creates a new Config.
func NewConfig(namespace, context, deployment string, port int) *Config {
	return &Config{
		Namespace:  namespace,
		Context:    context,
		Deployment: deployment,
		Port:       port,
	}
}
