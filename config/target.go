package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"stressmonitor/apperr"
)

// RunConfigFields is the number of ordered lines in a per-target document.
const RunConfigFields = 11

// RunConfig is the per-target load-test configuration sent to a load agent.
type RunConfig struct {
	LocalIP         string  `json:"ip_local"`
	RemoteIP        string  `json:"ip_remote"`
	RemoteAdminPort string  `json:"ssh_remote_port"`
	InterfaceName   string  `json:"interface_name"`
	Codec           string  `json:"codec"`
	Recording       string  `json:"recording"`
	MaxCPULoad      float64 `json:"maxcpuload"`
	CallStep        string  `json:"call_step"`
	CallStepSeconds string  `json:"call_step_seconds"`
	CallDuration    string  `json:"call_duration"`
	NotifyURLBase   string  `json:"web_notify_url_base"`
}

// LoadRunConfig reads the line-oriented document for one system. A missing
// or short document is a configuration error.
func LoadRunConfig(systemID, path string) (RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, apperr.Configuration(fmt.Sprintf("Missing config for %s", systemID))
		}
		return RunConfig{}, errors.Wrapf(err, "open config for %s", systemID)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return RunConfig{}, errors.Wrapf(err, "read config for %s", systemID)
	}
	return ParseRunConfig(systemID, lines)
}

func ParseRunConfig(systemID string, lines []string) (RunConfig, error) {
	if len(lines) < RunConfigFields {
		return RunConfig{}, apperr.Configuration(fmt.Sprintf("Incomplete config for %s", systemID))
	}
	maxCPU, err := strconv.ParseFloat(lines[6], 64)
	if err != nil {
		return RunConfig{}, apperr.Configuration(fmt.Sprintf("Invalid max CPU load %q for %s", lines[6], systemID))
	}
	return RunConfig{
		LocalIP:         lines[0],
		RemoteIP:        lines[1],
		RemoteAdminPort: lines[2],
		InterfaceName:   lines[3],
		Codec:           lines[4],
		Recording:       lines[5],
		MaxCPULoad:      maxCPU,
		CallStep:        lines[7],
		CallStepSeconds: lines[8],
		CallDuration:    lines[9],
		NotifyURLBase:   lines[10],
	}, nil
}
