package connectivity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Prober checks reachability once. A nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// HTTPProber sends a HEAD request. Any HTTP response counts as reachable;
// only transport failures mean offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// DialProber opens and closes a connection to Address.
type DialProber struct {
	Network string // defaults to "tcp"
	Address string
}

// Probe implements Prober.
func (p DialProber) Probe(ctx context.Context) error {
	network := p.Network
	if network == "" {
		network = "tcp"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, p.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Address, err)
	}
	return conn.Close()
}
