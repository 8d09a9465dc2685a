package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sokoni/bff/internal/httputil"
)

// handleHealth is the constant-time liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service": "bff",
		"env":     s.cfg.Env,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthSystem adds process and host stats for operators. Stat
// collection is best effort; a failing probe reports zeros rather than an
// error.
func (s *Server) handleHealthSystem(w http.ResponseWriter, _ *http.Request) {
	var memUsedPercent float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedPercent = vm.UsedPercent
	}

	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service":          "bff",
		"env":              s.cfg.Env,
		"time":             time.Now().UTC().Format(time.RFC3339),
		"goroutines":       runtime.NumGoroutine(),
		"mem_used_percent": memUsedPercent,
		"cpu_percent":      cpuPercent,
	})
}
