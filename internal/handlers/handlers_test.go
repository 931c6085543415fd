package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptablesd/internal/auth"
	"iptablesd/internal/database"
	"iptablesd/internal/models"
	"iptablesd/internal/services"
	"iptablesd/pkg/iptables"
	"iptablesd/pkg/iptables/iptablestest"
)

type testEnv struct {
	server    *httptest.Server
	fake      *iptablestest.FakeRunner
	users     *auth.UserService
	configDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := auth.NewUserService(db)
	_, err = users.Create("admin", "admin123", true)
	require.NoError(t, err)
	_, err = users.Create("viewer", "viewer123", false)
	require.NoError(t, err)

	fake := iptablestest.NewFakeRunner()
	v4, err := iptables.New(context.Background(), iptables.ProtocolIPv4,
		iptables.WithRunner(fake),
		iptables.WithVersion(iptables.Version{Major: 1, Minor: 8, Patch: 7, Mode: "legacy"}),
		iptables.WithLockRetries(0, time.Millisecond),
	)
	require.NoError(t, err)

	configDir := t.TempDir()
	firewall := services.NewFirewallService(configDir, v4, nil, nil, nil)

	router := NewRouter(Deps{
		Sessions:   auth.NewSessionManager("test-secret-test-secret-test-sec", 3600, false),
		Users:      users,
		Firewall:   firewall,
		Snapshots:  services.NewSnapshotService(db, firewall, nil),
		Interfaces: services.NewInterfaceService(),
		Persist:    services.NewPersistService(configDir),
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, fake: fake, users: users, configDir: configDir}
}

func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (e *testEnv) login(t *testing.T, username, password string) *http.Client {
	t.Helper()
	c := e.client(t)
	resp, _ := e.do(t, c, http.MethodPost, "/api/login", map[string]string{"username": username, "password": password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return c
}

func (e *testEnv) do(t *testing.T, c *http.Client, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)

	resp, _ := env.do(t, c, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, c, http.MethodPost, "/api/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "invalid username or password")

	resp, _ = env.do(t, c, http.MethodPost, "/api/login", map[string]string{"username": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, c, http.MethodPost, "/api/login", map[string]string{"username": "admin", "password": "admin123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, c, http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me models.User
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "admin", me.Username)
	assert.True(t, me.IsAdmin)
	assert.NotContains(t, string(body), "password")

	resp, _ = env.do(t, c, http.MethodPost, "/api/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, c, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	logs, err := env.users.GetAuditLogs(10)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Contains(t, actions, "login_failed")
	assert.Contains(t, actions, "login_success")
	assert.Contains(t, actions, "logout")
}

func TestChainAndRuleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "admin", "admin123")
	env.fake.Reset()

	resp, _ := env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains", map[string]string{"name": "WEB"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains/WEB/rules",
		models.RuleRequest{Rule: `-p tcp --dport 80 -m comment --comment "http in" -j ACCEPT`})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains/WEB/rules",
		models.RuleRequest{Input: &models.FirewallRuleInput{Protocol: "tcp", DPort: "443", Target: "ACCEPT"}, Position: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains/WEB/rules/check",
		models.RuleRequest{Rule: "-p tcp --dport 80 -j ACCEPT"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"exists":true}`, string(body))

	resp, _ = env.do(t, c, http.MethodPut, "/api/ipv4/tables/filter/chains/WEB/rules/2", models.RuleRequest{Rule: "-j DROP"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, c, http.MethodDelete, "/api/ipv4/tables/filter/chains/WEB/rules/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains/WEB/rename", map[string]string{"name": "HTTP"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, c, http.MethodDelete, "/api/ipv4/tables/filter/chains/HTTP?flush=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{
		"iptables --wait -t filter -N WEB",
		"iptables --wait -t filter -A WEB -p tcp --dport 80 -m comment --comment http in -j ACCEPT",
		"iptables --wait -t filter -I WEB 1 -p tcp --dport 443 -j ACCEPT",
		"iptables --wait -t filter -C WEB -p tcp --dport 80 -j ACCEPT",
		"iptables --wait -t filter -R WEB 2 -j DROP",
		"iptables --wait -t filter -D WEB 1",
		"iptables --wait -t filter -E WEB HTTP",
		"iptables --wait -t filter -F HTTP",
		"iptables --wait -t filter -X HTTP",
	}, env.fake.Commands())

	logs, err := env.users.GetAuditLogs(20)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "chain_delete", logs[0].Action)
	assert.Equal(t, "ipv4 filter/HTTP", logs[0].Details)
	assert.NotEmpty(t, logs[0].RequestID)
	require.NotNil(t, logs[0].UserID)
}

func TestDeleteAllReportsCount(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "admin", "admin123")

	check := []string{"-t", "filter", "-C", "INPUT", "-j", "DROP"}
	env.fake.On(iptablestest.Response{}, "iptables", check...)
	env.fake.On(iptablestest.Response{}, "iptables", check...)
	env.fake.On(iptablestest.Response{ExitCode: 1, Stderr: "iptables: Bad rule (does a matching rule exist in that chain?).\n"}, "iptables", check...)

	resp, body := env.do(t, c, http.MethodDelete, "/api/ipv4/tables/filter/chains/INPUT/rules", models.RuleRequest{Rule: "-j DROP", All: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":2}`, string(body))
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "admin", "admin123")

	env.fake.On(iptablestest.Response{ExitCode: 1, Stderr: "iptables: No chain/target/match by that name.\n"},
		"iptables", "-t", "filter", "-L", "NOPE", "-n", "-v", "--line-numbers")
	env.fake.On(iptablestest.Response{ExitCode: 4, Stderr: "Another app is currently holding the xtables lock. Perhaps you want to use the -w option?\n"},
		"iptables", "-t", "filter", "-F", "BUSY")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unsupported table", http.MethodGet, "/api/ipv4/tables/bogus/chains", nil, http.StatusBadRequest},
		{"unknown family", http.MethodGet, "/api/ipx/tables/filter/chains", nil, http.StatusBadRequest},
		{"disabled family", http.MethodGet, "/api/ipv6/tables/filter/chains", nil, http.StatusNotFound},
		{"policy on user chain", http.MethodGet, "/api/ipv4/tables/filter/chains/USER/policy", nil, http.StatusBadRequest},
		{"invalid policy", http.MethodPut, "/api/ipv4/tables/filter/chains/INPUT/policy", map[string]string{"policy": "MAYBE"}, http.StatusBadRequest},
		{"missing chain", http.MethodGet, "/api/ipv4/tables/filter/chains/NOPE", nil, http.StatusNotFound},
		{"rule exists", http.MethodPost, "/api/ipv4/tables/filter/chains/INPUT/rules", models.RuleRequest{Rule: "-j ACCEPT", Unique: true}, http.StatusConflict},
		{"lock held", http.MethodPost, "/api/ipv4/tables/filter/chains/BUSY/flush", nil, http.StatusServiceUnavailable},
		{"bad rule number", http.MethodDelete, "/api/ipv4/tables/filter/chains/INPUT/rules/0", nil, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/ipv4/tables/filter/chains", map[string]string{"nmae": "X"}, http.StatusBadRequest},
		{"builtin chain delete", http.MethodDelete, "/api/ipv4/tables/filter/chains/INPUT", nil, http.StatusBadRequest},
		{"snapshot not found", http.MethodGet, "/api/snapshots/99", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, c, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))

			var e errorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestChainParamIsOneArgument(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "viewer", "viewer123")

	for _, path := range []string{
		"/api/ipv4/tables/filter/chains/INPUT%20-Z",
		"/api/ipv4/tables/filter/chains/INPUT%20-Z%20--modprobe=%2Ftmp%2Fevil",
		"/api/ipv4/tables/filter/chains/-Z/rules",
		"/api/ipv4/tables/filter/chains/INPUT%09-Z/exists",
	} {
		resp, body := env.do(t, c, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path+": "+string(body))
	}
	assert.Empty(t, env.fake.Calls())

	resp, body := env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains", map[string]string{"name": "-Z"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	resp, body = env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains/WEB/rename", map[string]string{"name": "X -Z"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	assert.Empty(t, env.fake.Calls())

	logs, err := env.users.GetAuditLogs(100)
	require.NoError(t, err)
	for _, l := range logs {
		assert.NotContains(t, l.Action, "chain")
	}

	env.fake.On(iptablestest.Response{Stdout: "Chain DOCKER-USER (1 references)\n"},
		"iptables", "-t", "filter", "-L", "DOCKER-USER", "-n", "-v", "--line-numbers")
	resp, body = env.do(t, c, http.MethodGet, "/api/ipv4/tables/filter/chains/DOCKER%2DUSER", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	calls := env.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--wait", "-t", "filter", "-L", "DOCKER-USER", "-n", "-v", "--line-numbers"}, calls[0].Args)
}

func TestMissingChainOnNFTables(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "admin", "admin123")

	env.fake.On(iptablestest.Response{ExitCode: 1, Stderr: "iptables v1.8.7 (nf_tables): CHAIN_USER_DEL failed (No such file or directory): chain GONE\n"},
		"iptables", "-t", "filter", "-X", "GONE")
	env.fake.On(iptablestest.Response{ExitCode: 1, Stderr: "iptables v1.8.7 (nf_tables): CHAIN_USER_RENAME failed (No such file or directory): chain GONE\n"},
		"iptables", "-t", "filter", "-E", "GONE", "NEW")

	resp, body := env.do(t, c, http.MethodDelete, "/api/ipv4/tables/filter/chains/GONE", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))

	resp, body = env.do(t, c, http.MethodPost, "/api/ipv4/tables/filter/chains/GONE/rename", map[string]string{"name": "NEW"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))
}

func TestPolicyEndpoints(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "viewer", "viewer123")
	env.fake.On(iptablestest.Response{Stdout: "Chain FORWARD (policy DROP)\ntarget     prot opt source               destination\n"},
		"iptables", "-t", "filter", "-L", "FORWARD", "-n")

	resp, body := env.do(t, c, http.MethodGet, "/api/ipv4/tables/filter/chains/FORWARD/policy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"policy":"DROP"}`, string(body))

	resp, body = env.do(t, c, http.MethodPut, "/api/ipv4/tables/filter/chains/FORWARD/policy", map[string]string{"policy": "accept"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"policy":"ACCEPT"}`, string(body))
}

func TestExecuteRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.fake.On(iptablestest.Response{Stdout: "-P INPUT ACCEPT\n"}, "iptables", "-t", "filter", "-S", "INPUT")
	env.fake.On(iptablestest.Response{ExitCode: 2, Stderr: "iptables v1.8.7 (legacy): unknown option \"--bogus\"\n"}, "iptables", "-t", "filter", "--bogus")

	viewer := env.login(t, "viewer", "viewer123")
	resp, _ := env.do(t, viewer, http.MethodPost, "/api/ipv4/tables/filter/execute", map[string]string{"command": "-S INPUT"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := env.login(t, "admin", "admin123")
	resp, body := env.do(t, admin, http.MethodPost, "/api/ipv4/tables/filter/execute", map[string]string{"command": "-S INPUT"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"stdout":"-P INPUT ACCEPT\n","stderr":"","exit_code":0}`, string(body))

	resp, body = env.do(t, admin, http.MethodPost, "/api/ipv4/tables/filter/execute", map[string]string{"command": "--bogus"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out executeResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 2, out.ExitCode)
	assert.Contains(t, out.Stderr, "unknown option")
}

func TestListingEndpoints(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "viewer", "viewer123")
	env.fake.On(iptablestest.Response{Stdout: "-P INPUT ACCEPT\n-P FORWARD DROP\n-P OUTPUT ACCEPT\n-N DOCKER\n-A FORWARD -j DOCKER\n"},
		"iptables", "-t", "filter", "-S")
	env.fake.On(iptablestest.Response{Stdout: "Chain DOCKER (1 references)\nnum   pkts bytes target     prot opt in     out     source               destination\n"},
		"iptables", "-t", "filter", "-L", "-n", "-v", "--line-numbers")

	resp, body := env.do(t, c, http.MethodGet, "/api/ipv4/tables/filter/chains", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["INPUT","FORWARD","OUTPUT","DOCKER"]`, string(body))

	resp, body = env.do(t, c, http.MethodGet, "/api/ipv4/tables/filter/rules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rules []string
	require.NoError(t, json.Unmarshal(body, &rules))
	assert.Len(t, rules, 5)

	resp, body = env.do(t, c, http.MethodGet, "/api/ipv4/tables/filter/chains?detail=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chains []models.ChainInfo
	require.NoError(t, json.Unmarshal(body, &chains))
	require.Len(t, chains, 1)
	assert.Equal(t, 1, chains[0].References)

	resp, body = env.do(t, c, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	require.Len(t, status.Backends, 1)
	assert.Equal(t, "legacy", status.Backends[0].Mode)
}

func TestSnapshotEndpoints(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "admin", "admin123")
	dump := "*filter\n:INPUT ACCEPT [0:0]\nCOMMIT\n"
	env.fake.On(iptablestest.Response{Stdout: dump}, "iptables-save", "-t", "filter")

	resp, body := env.do(t, c, http.MethodPost, "/api/snapshots", map[string]string{"family": "ipv4", "table": "filter", "comment": "baseline"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, dump, snap.Rules)
	require.NotNil(t, snap.CreatedBy)

	resp, body = env.do(t, c, http.MethodGet, "/api/snapshots?family=ipv4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Snapshot
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "baseline", list[0].Comment)

	env.fake.Reset()
	path := fmt.Sprintf("/api/snapshots/%d", snap.ID)
	resp, _ = env.do(t, c, http.MethodPost, path+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	calls := env.fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, dump, calls[0].Stdin)

	resp, _ = env.do(t, c, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, c, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, c, http.MethodGet, "/api/snapshots/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSaveWritesRulesFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, "viewer", "viewer123")
	env.fake.On(iptablestest.Response{Stdout: "*nat\nCOMMIT\n"}, "iptables-save")

	resp, _ := env.do(t, c, http.MethodPost, "/api/save", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := os.ReadFile(filepath.Join(env.configDir, "iptables", "rules.v4"))
	require.NoError(t, err)
	assert.Equal(t, "*nat\nCOMMIT\n", string(data))
}

func TestUserManagement(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin", "admin123")
	viewer := env.login(t, "viewer", "viewer123")

	resp, _ := env.do(t, viewer, http.MethodGet, "/api/users", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, admin, http.MethodPost, "/api/users", map[string]interface{}{"username": "ops", "password": "opspass1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ops models.User
	require.NoError(t, json.Unmarshal(body, &ops))

	resp, _ = env.do(t, admin, http.MethodPost, "/api/users", map[string]interface{}{"username": "ops", "password": "opspass1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, admin, http.MethodPost, "/api/users", map[string]interface{}{"username": "short", "password": "abc"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, admin, http.MethodPut, fmt.Sprintf("/api/users/%d", ops.ID), map[string]interface{}{"is_admin": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"is_admin":true`)

	me, err := env.users.GetByUsername("admin")
	require.NoError(t, err)
	resp, _ = env.do(t, admin, http.MethodDelete, fmt.Sprintf("/api/users/%d", me.ID), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, admin, http.MethodDelete, fmt.Sprintf("/api/users/%d", ops.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, admin, http.MethodDelete, "/api/users/9999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, viewer, http.MethodPost, "/api/password", map[string]string{"current_password": "nope", "new_password": "viewer456"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, viewer, http.MethodPost, "/api/password", map[string]string{"current_password": "viewer123", "new_password": "viewer456"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	env.login(t, "viewer", "viewer456")

	resp, body = env.do(t, viewer, http.MethodGet, "/api/audit?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []models.AuditLog
	require.NoError(t, json.Unmarshal(body, &logs))
	assert.Len(t, logs, 5)

	resp, _ = env.do(t, viewer, http.MethodGet, "/api/audit?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin", "admin123")
	require.NoError(t, os.MkdirAll(filepath.Join(env.configDir, "iptables"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, "iptables", "rules.v4"), []byte("*filter\nCOMMIT\n"), 0644))

	resp, archive := env.do(t, admin, http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))

	require.NoError(t, os.Remove(filepath.Join(env.configDir, "iptables", "rules.v4")))

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/import", bytes.NewReader(archive))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/gzip")
	res, err := admin.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.FileExists(t, filepath.Join(env.configDir, "iptables", "rules.v4"))

	resp, _ = env.do(t, admin, http.MethodPost, "/api/import", "garbage")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, errorStatus(fmt.Errorf("x: %w", iptables.ErrUnsupportedTable)))
	assert.Equal(t, http.StatusBadRequest, errorStatus(iptables.ErrNotBuiltinChain))
	assert.Equal(t, http.StatusBadRequest, errorStatus(fmt.Errorf("%w: %q", iptables.ErrInvalidChainName, "-Z")))
	assert.Equal(t, http.StatusNotFound, errorStatus(&iptables.Error{Status: 1, Stderr: "iptables: No chain/target/match by that name."}))
	assert.Equal(t, http.StatusConflict, errorStatus(iptables.ErrRuleExists))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(iptables.ErrLockTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(&iptables.Error{Status: 4, Stderr: "holding the xtables lock"}))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(&iptables.Error{Status: 2, Stderr: "Bad argument"}))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("boom")))
}
