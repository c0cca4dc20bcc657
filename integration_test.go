// integration_test.go
package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"

	"stressmonitor/config"
	"stressmonitor/protocol"
	"stressmonitor/state"
	"stressmonitor/store"
)

func TestApplyListenAddr(t *testing.T) {
	cfg := config.Default()
	if err := applyListenAddr(cfg, "127.0.0.1:9100"); err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 9100 {
		t.Errorf("unexpected listen address %s:%d", cfg.Host, cfg.Port)
	}
	if err := applyListenAddr(cfg, "nonsense"); err == nil {
		t.Error("expected error for address without port")
	}
	if err := applyListenAddr(cfg, ""); err != nil || cfg.Port != 9100 {
		t.Error("empty address must leave config untouched")
	}
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{})

	cfg := config.Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	setupLogging(cfg)
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Error("expected json formatter")
	}

	cfg.LogLevel = "loud"
	setupLogging(cfg)
	if log.GetLevel() != log.InfoLevel {
		t.Errorf("unknown level should fall back to info, got %s", log.GetLevel())
	}
}

func TestCreateStoreFile(t *testing.T) {
	cfg := config.Default()
	cfg.ResultsPath = filepath.Join(t.TempDir(), "run_results.json")

	s, release, err := createStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if _, ok := s.(*store.FileStore); !ok {
		t.Errorf("expected file store, got %T", s)
	}
}

func TestCreateStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.ResultStore = config.StoreRedis
	cfg.RedisAddr = mr.Addr()

	s, release, err := createStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	r := state.NewResults()
	r[protocol.SystemAsterisk] = []protocol.ProgressSample{{SystemID: protocol.SystemAsterisk, Step: 0}}
	if err := s.Save(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(cfg.ResultsKey) {
		t.Error("expected results under configured key")
	}

	mr.Close()
	if _, _, err := createStore(context.Background(), cfg); err == nil {
		t.Error("expected error when redis is down")
	}
}

func TestCreateBroker(t *testing.T) {
	cfg := config.Default()
	b, err := createBroker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	mr := miniredis.RunT(t)
	cfg.BrokerType = "redis"
	cfg.RedisAddr = mr.Addr()
	b, err = createBroker(cfg)
	if err != nil {
		t.Fatalf("redis broker: %v", err)
	}
	b.Close()
}

func TestBuildRelays(t *testing.T) {
	cfg := config.Default()
	cfg.Targets[1].ShellHost = ""
	relays := buildRelays(cfg)
	if _, ok := relays[protocol.SystemAsterisk]; !ok {
		t.Error("expected asterisk relay")
	}
	if _, ok := relays[protocol.SystemFreeSWITCH]; ok {
		t.Error("target without shell host must have no relay")
	}
}

func writeTargetConfig(t *testing.T, dir string, lines map[string]int) string {
	t.Helper()
	fields := []string{"10.0.0.1", "10.0.0.2", "22", "eth0", "PCMA", "yes", "85", "20", "15", "120", "http://monitor:8000"}
	var yaml strings.Builder
	yaml.WriteString("targets:\n")
	for _, id := range protocol.SystemIDs {
		doc := filepath.Join(dir, id+"_config.txt")
		if n, ok := lines[id]; ok {
			if err := os.WriteFile(doc, []byte(strings.Join(fields[:n], "\n")), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		yaml.WriteString("  - system_id: " + id + "\n")
		yaml.WriteString("    agent_url: http://agent-" + id + ":8081\n")
		yaml.WriteString("    config_path: " + doc + "\n")
	}
	path := filepath.Join(dir, "stressmonitor.yaml")
	if err := os.WriteFile(path, []byte(yaml.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCommand(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheckTargetsCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeTargetConfig(t, dir, map[string]int{protocol.SystemAsterisk: 11, protocol.SystemFreeSWITCH: 11})

	out, err := runCommand("check-targets", "--config", path)
	if err != nil {
		t.Fatalf("check-targets: %v\n%s", err, out)
	}
	if strings.Count(out, "ok (codec PCMA, max cpu 85.0") != 2 {
		t.Errorf("expected both targets ok, got:\n%s", out)
	}
}

func TestCheckTargetsCommandReportsProblems(t *testing.T) {
	dir := t.TempDir()
	path := writeTargetConfig(t, dir, map[string]int{protocol.SystemAsterisk: 4})

	out, err := runCommand("check-targets", "--config", path)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(out, "Incomplete config for asterisk") || !strings.Contains(out, "Missing config for freeswitch") {
		t.Errorf("expected both problems reported, got:\n%s", out)
	}
}
