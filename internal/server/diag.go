package server

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/registrar-tools/crm-governor/internal/apierror"
	"github.com/registrar-tools/crm-governor/internal/config"
	"github.com/registrar-tools/crm-governor/internal/governor"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Diagnostics provides read-only admin endpoints for runtime inspection of
// governor state. All endpoints are protected by IP allowlist.
type Diagnostics struct {
	gov         *governor.Governor
	cfgProvider ConfigProvider
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// NewDiagnostics creates a Diagnostics handler. The allowlist CIDRs must be
// pre-validated (config validation ensures this).
func NewDiagnostics(gov *governor.Governor, cfgProvider ConfigProvider, allowlist []string, logger *slog.Logger) *Diagnostics {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Diagnostics{
		gov:         gov,
		cfgProvider: cfgProvider,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds diagnostics routes to the given mux.
func (d *Diagnostics) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/stats", d.guard(d.statsHandler))
	mux.HandleFunc("/admin/breaker", d.guard(d.breakerHandler))
	mux.HandleFunc("/admin/config", d.guard(d.configHandler))
}

// guard wraps a handler with method and IP allowlist checks.
func (d *Diagnostics) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !d.isAllowed(ip) {
			d.logger.Warn("diagnostics access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "access denied")
			return
		}

		next(w, r)
	}
}

func (d *Diagnostics) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range d.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (d *Diagnostics) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.gov.CacheStats())
}

func (d *Diagnostics) breakerHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.gov.BreakerState())
}

func (d *Diagnostics) configHandler(w http.ResponseWriter, _ *http.Request) {
	// The config's JSON tags exclude the signing key.
	writeJSON(w, http.StatusOK, d.cfgProvider.Current())
}
