// Package identity sources workload credentials from a SPIRE agent. Deployments
// that run the broker behind mTLS hand the resulting TLS config to the broker
// dial options; everything else runs without it.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Workload holds the process's SPIFFE identity source.
type Workload struct {
	source *workloadapi.X509Source
}

// NewWorkload connects to the SPIRE agent at socketPath. The timeout keeps a
// missing agent from hanging startup; callers treat the error as "run without
// mTLS" or fail hard, per deployment.
func NewWorkload(socketPath string) (*Workload, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SPIRE: %w", err)
	}

	slog.Info("Connected to SPIRE agent", "socket_path", socketPath)
	return &Workload{source: source}, nil
}

// ID returns the workload's own SPIFFE ID.
func (w *Workload) ID() (string, error) {
	svid, err := w.source.GetX509SVID()
	if err != nil {
		return "", fmt.Errorf("failed to get SVID: %w", err)
	}
	return svid.ID.String(), nil
}

// BrokerTLSConfig builds the mTLS client config for broker connections. When
// serverID is non-empty only that SPIFFE ID is accepted on the server side of
// the handshake.
func (w *Workload) BrokerTLSConfig(serverID string) (*tls.Config, error) {
	authorizer := tlsconfig.AuthorizeAny()
	if serverID != "" {
		id, err := spiffeid.FromString(serverID)
		if err != nil {
			return nil, fmt.Errorf("invalid broker SPIFFE ID: %w", err)
		}
		authorizer = tlsconfig.AuthorizeID(id)
	}
	return tlsconfig.MTLSClientConfig(w.source, w.source, authorizer), nil
}

// Close releases the identity source.
func (w *Workload) Close() error {
	return w.source.Close()
}

// ServiceID builds the SPIFFE ID a deployment assigns to one of our services,
// e.g. spiffe://narrata.app/service/gateway.
func ServiceID(trustDomain, service string) string {
	return fmt.Sprintf("spiffe://%s/service/%s", trustDomain, service)
}
