package config

import (
	"strings"
	"testing"
)

func TestAddRemoveAccountJSON(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", sampleJSON)

	err := AddAccount(path, Account{
		Name:      "bob",
		Username:  "20210002",
		Password:  "pw",
		GradesURL: "https://ubys.example.edu/AIS/Student/Class/Index?sapid=222",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("AddAccount error: %v", err)
	}

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if len(cfg.Monitor.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(cfg.Monitor.Accounts))
	}

	// Duplicate name (case-insensitive) is rejected.
	err = AddAccount(path, Account{
		Name: "BOB", Username: "x", Password: "x",
		GradesURL: "https://ubys.example.edu/x",
	})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	if err := RemoveAccount(path, "alice"); err != nil {
		t.Fatalf("RemoveAccount error: %v", err)
	}
	cfg, err = NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if len(cfg.Monitor.Accounts) != 1 || cfg.Monitor.Accounts[0].Name != "bob" {
		t.Fatalf("unexpected accounts after remove: %+v", cfg.Monitor.Accounts)
	}

	if err := RemoveAccount(path, "nobody"); err == nil {
		t.Fatal("expected error removing unknown account")
	}
}

func TestUpdateAccountsPreservesYAML(t *testing.T) {
	t.Parallel()
	const y = `
telegram:
  token: "123:abc"
  owner_user_ids: []
  group_log: ""
  poll_timeout: 10s
logging:
  level: INFO
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: WARN, rate_per_sec: 1}
monitor:
  enabled: true
  accounts: []
scheduler:
  enabled: false
`
	path := writeTemp(t, "config.yaml", y)
	err := AddAccount(path, Account{
		Name:      "carol",
		Username:  "20210003",
		Password:  "pw",
		GradesURL: "https://ubys.example.edu/AIS/Student/Class/Index?sapid=3",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("AddAccount error: %v", err)
	}

	// File must still parse as YAML and contain the account.
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if len(cfg.Monitor.Accounts) != 1 || cfg.Monitor.Accounts[0].Name != "carol" {
		t.Fatalf("unexpected accounts: %+v", cfg.Monitor.Accounts)
	}
}

func TestSetAccountEnabled(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", sampleJSON)
	if err := SetAccountEnabled(path, "alice", false); err != nil {
		t.Fatalf("SetAccountEnabled error: %v", err)
	}
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if cfg.Monitor.Accounts[0].Enabled {
		t.Fatal("alice should be disabled")
	}
}

func TestUpdateAccountsRefusesInvalid(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", sampleJSON)
	err := UpdateAccounts(path, func(accounts []Account) ([]Account, error) {
		accounts[0].GradesURL = "not-a-url"
		return accounts, nil
	})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected invalid-config error, got %v", err)
	}
	// Original file must be untouched.
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if !strings.HasPrefix(cfg.Monitor.Accounts[0].GradesURL, "https://") {
		t.Fatal("config file was modified despite failed validation")
	}
}
