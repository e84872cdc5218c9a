package api

import (
	"context"
	"errors"

	"github.com/shawn/session-gateway/internal/cli/k8s"
)

// KubectlTransport reaches the gateway through kubectl exec, for clusters
// where the API is not exposed.
type KubectlTransport struct {
	cfg *k8s.Config
}

func NewKubectlClient(namespace, context string) *Gateway {
	return NewGateway(&KubectlTransport{
		cfg: k8s.NewConfig(namespace, context, "session-gateway", 8080),
	})
}

func (t *KubectlTransport) Call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	out, err := k8s.ExecAPICall(ctx, t.cfg, method, path, body)
	var se *k8s.StatusError
	if errors.As(err, &se) {
		return nil, newAPIError(se.Status, se.Body)
	}
	return out, err
}
