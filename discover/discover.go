// Package discover finds Ollama nodes for the pool. An explicit
// OLLAMA_NODES list wins; otherwise the local /24 is swept for hosts
// answering on the Ollama port.
package discover

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sollol/sollol/envconfig"
)

const (
	ollamaPort = 11434

	// dialTimeout keeps a full /24 sweep under a few seconds.
	dialTimeout = 200 * time.Millisecond

	maxConcurrentDials = 64
)

// Nodes returns the pool seed list. With OLLAMA_NODES set the entries
// are taken as-is, unreachable ones included; the adaptive loop sorts
// them out. Without it, the LAN is scanned.
func Nodes(ctx context.Context) []string {
	if configured := envconfig.OllamaNodes(); len(configured) > 0 {
		slog.Info("using configured node list", "nodes", configured)
		return configured
	}
	return scanLAN(ctx)
}

// RPCBackends returns the rpc-server worker list. Workers are never
// discovered: sharding a model across machines nobody intended to
// donate is worse than not sharding.
func RPCBackends() []string {
	return envconfig.RPCBackends()
}

// scanLAN dials every host on the local /24 looking for the Ollama
// port. Hosts that accept within the timeout make the list.
func scanLAN(ctx context.Context) []string {
	base, self := localSubnet()
	if base == "" {
		slog.Warn("no usable local subnet, pool starts empty")
		return nil
	}
	slog.Info("scanning for nodes", "subnet", base+"0/24")

	var (
		mu    sync.Mutex
		found []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDials)

	for i := 1; i < 255; i++ {
		host := base + strconv.Itoa(i)
		g.Go(func() error {
			addr := net.JoinHostPort(host, strconv.Itoa(ollamaPort))
			d := net.Dialer{Timeout: dialTimeout}
			conn, err := d.DialContext(gctx, "tcp", addr)
			if err != nil {
				return nil
			}
			conn.Close()

			mu.Lock()
			found = append(found, addr)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// The gateway's own host counts too when it runs Ollama locally.
	if self != "" {
		selfAddr := net.JoinHostPort(self, strconv.Itoa(ollamaPort))
		if !slices.Contains(found, selfAddr) {
			if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", ollamaPort), dialTimeout); err == nil {
				conn.Close()
				found = append(found, selfAddr)
			}
		}
	}

	slog.Info("node scan complete", "found", len(found))
	return found
}

// localSubnet returns the /24 prefix ("10.0.0.") and our own address on
// the first non-loopback IPv4 interface.
func localSubnet() (prefix, self string) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", ""
	}

	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		return fmt.Sprintf("%d.%d.%d.", ip4[0], ip4[1], ip4[2]), ip4.String()
	}
	return "", ""
}
