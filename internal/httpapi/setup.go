package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/taskmate/internal/config"
)

type setupCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type setupStatusResponse struct {
	AgentMode   string       `json:"agent_mode"`
	StoreDriver string       `json:"store_driver"`
	Checks      []setupCheck `json:"checks"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	checks := make([]setupCheck, 0, 6)
	checks = append(checks, s.agentChecks()...)
	checks = append(checks, s.storeChecks(r.Context())...)
	checks = append(checks, setupCheck{
		ID:     "run_polling",
		Status: "ok",
		Label:  "Run polling",
		Detail: fmt.Sprintf("%d attempts from %s", s.cfg.RunPollMaxAttempts, s.cfg.RunPollBaseDelay),
	})

	respondJSON(w, http.StatusOK, setupStatusResponse{
		AgentMode:   s.cfg.AgentMode,
		StoreDriver: s.cfg.StoreDriver,
		Checks:      checks,
	})
}

func (s *Server) agentChecks() []setupCheck {
	if s.cfg.AgentMode != config.AgentModeHTTP {
		return []setupCheck{{
			ID:     "agent_mode",
			Status: "warn",
			Label:  "Agent backend",
			Detail: "mock agent; replies are scripted",
			Fix:    "Set AGENT_MODE=http with AGENT_BASE_URL, AGENT_API_KEY and AGENT_ID.",
		}}
	}

	checks := []setupCheck{{
		ID:     "agent_mode",
		Status: "ok",
		Label:  "Agent backend",
		Detail: "http",
	}}
	if strings.TrimSpace(s.cfg.AgentAPIKey) == "" {
		checks = append(checks, setupCheck{
			ID:     "agent_api_key",
			Status: "error",
			Label:  "Agent API key",
			Detail: "AGENT_API_KEY is not set",
		})
	} else {
		checks = append(checks, setupCheck{ID: "agent_api_key", Status: "ok", Label: "Agent API key", Detail: "present"})
	}
	if err := dialEndpoint(s.cfg.AgentBaseURL); err != nil {
		checks = append(checks, setupCheck{
			ID:     "agent_endpoint",
			Status: "error",
			Label:  "Agent endpoint",
			Detail: err.Error(),
			Fix:    "Check AGENT_BASE_URL and network access to the agent service.",
		})
	} else {
		checks = append(checks, setupCheck{ID: "agent_endpoint", Status: "ok", Label: "Agent endpoint", Detail: s.cfg.AgentBaseURL})
	}
	return checks
}

func (s *Server) storeChecks(ctx context.Context) []setupCheck {
	if s.cfg.StoreDriver == config.StoreDriverMemory {
		return []setupCheck{{
			ID:     "store",
			Status: "warn",
			Label:  "Persistence",
			Detail: "in-memory only",
			Fix:    "Set STORE_DRIVER=postgres with DATABASE_URL, or STORE_DRIVER=sqlite, to keep data across restarts.",
		}}
	}
	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			return []setupCheck{{
				ID:     "store",
				Status: "error",
				Label:  "Persistence",
				Detail: fmt.Sprintf("%s unreachable: %v", s.cfg.StoreDriver, err),
			}}
		}
	}
	return []setupCheck{{ID: "store", Status: "ok", Label: "Persistence", Detail: s.cfg.StoreDriver}}
}

// dialEndpoint opens and closes a TCP connection to the URL's host.
func dialEndpoint(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
