package config

import (
	"reflect"
	"testing"
)

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()
	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Monitor.Interval = "30s"
	newCfg.Logging.Level = "DEBUG"

	sections, _, accounts := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "monitor"}
	if !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(accounts) != 0 {
		t.Fatalf("accounts = %v, want none", accounts)
	}
}

func TestSummarizeConfigChangeAccounts(t *testing.T) {
	t.Parallel()
	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Monitor.Accounts = append(newCfg.Monitor.Accounts, Account{
		Name: "bob", Username: "2", Password: "pw",
		GradesURL: "https://ubys.example.edu/2", Enabled: true,
	})
	newCfg.Monitor.Accounts[0].Password = "rotated"

	sections, _, accounts := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(sections, []string{"monitor"}) {
		t.Fatalf("sections = %v, want [monitor]", sections)
	}
	if !reflect.DeepEqual(accounts, []string{"alice", "bob"}) {
		t.Fatalf("accounts = %v, want [alice bob]", accounts)
	}
}

func TestSummarizeConfigChangeNoChange(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	sections, attrs, accounts := SummarizeConfigChange(cfg, cfg)
	if len(sections) != 0 || len(attrs) != 0 || len(accounts) != 0 {
		t.Fatalf("expected empty diff, got sections=%v attrs=%d accounts=%v", sections, len(attrs), accounts)
	}
}

func TestSummarizeConfigChangeNilSafe(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	sections, _, _ := SummarizeConfigChange(nil, cfg)
	if len(sections) == 0 {
		t.Fatal("expected changed sections against nil old config")
	}
}
