package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"permitflow/internal/config"
	"permitflow/internal/db"
	"permitflow/internal/domain"
	"permitflow/internal/engine"
	"permitflow/internal/engine/auth"
	"permitflow/internal/logger"
	"permitflow/internal/migrate"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	conn, err := db.Open(ctx, db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "permits.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(ctx, conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, db.SQLite, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
		Logger:   logger.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, username string, role domain.Role, forms ...string) map[string]string {
	t.Helper()
	token, err := auth.Signer{Secret: testSecret}.Sign(username, role, forms)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeMessage(t *testing.T, data []byte) PermitMessage {
	t.Helper()
	var msg PermitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v: %s", err, string(data))
	}
	return msg
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func TestPermitApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/loto-work-permit"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{
		"bd_slip_no":  "BD-7",
		"plant":       "Plant A",
		"permit_date": "2024-03-01",
		"no_of_persons_working_in_machine_shift1": 3,
		"status":          "APPROVED",
		"unexpected_note": "ignored",
	}, bearer(t, "olga", domain.RoleUser, "LOTO Work Permit"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	created := decodeMessage(t, data)
	if created.Message != "LOTO Work Permit submitted successfully" {
		t.Fatalf("create message: %q", created.Message)
	}
	if created.Record.Status != domain.StatusPendingBay || created.Record.BDSlipNo == nil || *created.Record.BDSlipNo != "BD-7" {
		t.Fatalf("created record: %+v", created.Record)
	}
	url := fmt.Sprintf("%s/%d", base, created.Record.ID)

	res, data = doJSON(t, client, http.MethodPost, url+"/approve", nil, bearer(t, "mia", domain.RoleMaintenanceIncharge))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("out-of-turn approve %d: %s", res.StatusCode, string(data))
	}

	steps := []struct {
		who  string
		role domain.Role
		want domain.Status
	}{
		{"bob", domain.RoleBayManager, domain.StatusPendingMaintenance},
		{"mia", domain.RoleMaintenanceIncharge, domain.StatusPendingSafety},
		{"sam", domain.RoleSafetyIncharge, domain.StatusApproved},
	}
	for _, step := range steps {
		res, data = doJSON(t, client, http.MethodPost, url+"/approve", nil, bearer(t, step.who, step.role))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s approve status %d: %s", step.role, res.StatusCode, string(data))
		}
		msg := decodeMessage(t, data)
		if msg.Message != "Approved" || msg.Record.Status != step.want {
			t.Fatalf("%s approve: %q %s", step.role, msg.Message, msg.Record.Status)
		}
	}

	res, data = doJSON(t, client, http.MethodPost, url+"/approve", nil, bearer(t, "root", domain.RoleAdmin))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "already_finalized" {
		t.Fatalf("approve finalized %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, url, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var got domain.Permit
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal permit: %v", err)
	}
	if got.SafetyInchargeApprovedBy == nil || *got.SafetyInchargeApprovedBy != "sam" || got.CurrentApproverRole != nil {
		t.Fatalf("final record: %+v", got)
	}

	res, data = doJSON(t, client, http.MethodGet, url+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []domain.Event
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) != 4 || evts[0].Type != "permit.created" || evts[3].Actor != "sam" {
		t.Fatalf("events: %+v", evts)
	}
}

func TestCreateRequiresFormAccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	base := srv.URL + "/api/loto-work-permit"

	res, data := doJSON(t, srv.Client(), http.MethodPost, base, map[string]any{"plant": "P"}, nil)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("anonymous create %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base, map[string]any{"plant": "P"}, bearer(t, "olga", domain.RoleUser, "Other Form"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong form create %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base, nil, bearer(t, "root", domain.RoleAdmin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin empty create %d: %s", res.StatusCode, string(data))
	}
}

func TestRejectAndNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/loto-work-permit"
	admin := bearer(t, "root", domain.RoleAdmin)

	res, data := doJSON(t, client, http.MethodPost, base+"/999/approve", nil, admin)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("approve missing %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing %d: %s", res.StatusCode, string(data))
	}

	_, data = doJSON(t, client, http.MethodPost, base, map[string]any{}, admin)
	url := fmt.Sprintf("%s/%d", base, decodeMessage(t, data).Record.ID)

	res, data = doJSON(t, client, http.MethodPost, url+"/reject", map[string]any{"reason": "guard missing"}, bearer(t, "bob", domain.RoleBayManager))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	msg := decodeMessage(t, data)
	if msg.Message != "Rejected" || msg.Record.Status != domain.StatusRejected || msg.Record.RejectionReason == nil || *msg.Record.RejectionReason != "guard missing" {
		t.Fatalf("reject: %+v", msg)
	}
	res, data = doJSON(t, client, http.MethodPost, url+"/reject", nil, admin)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "already_finalized" {
		t.Fatalf("reject twice %d: %s", res.StatusCode, string(data))
	}

	_, data = doJSON(t, client, http.MethodPost, base, map[string]any{}, admin)
	url = fmt.Sprintf("%s/%d", base, decodeMessage(t, data).Record.ID)
	res, data = doJSON(t, client, http.MethodPost, url+"/reject", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject without body %d: %s", res.StatusCode, string(data))
	}
	if decodeMessage(t, data).Record.RejectionReason != nil {
		t.Fatalf("reason must be null")
	}
}

func TestUpdatePermit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/loto-work-permit"
	admin := bearer(t, "root", domain.RoleAdmin)

	_, data := doJSON(t, client, http.MethodPost, base, map[string]any{"plant": "Plant A", "shift": "B"}, admin)
	url := fmt.Sprintf("%s/%d", base, decodeMessage(t, data).Record.ID)

	res, data := doJSON(t, client, http.MethodPut, url, map[string]any{"plant": "X"}, bearer(t, "olga", domain.RoleUser, "LOTO Work Permit"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("user update %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, url, map[string]any{"unknown": 1}, admin)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("no fields update %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/999", map[string]any{"plant": "X"}, admin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing update %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, url, `{"plant": "Plant B", "shift": null, "status": "APPROVED"}`, bearer(t, "sam", domain.RoleSafetyIncharge))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update %d: %s", res.StatusCode, string(data))
	}
	msg := decodeMessage(t, data)
	if msg.Message != "Updated" {
		t.Fatalf("message: %q", msg.Message)
	}
	if msg.Record.Plant == nil || *msg.Record.Plant != "Plant B" || msg.Record.Shift != nil {
		t.Fatalf("updated record: %+v", msg.Record.Details)
	}
	if msg.Record.Status != domain.StatusPendingBay {
		t.Fatalf("status must not change: %s", msg.Record.Status)
	}
}

func TestUpdateKeepsOtherFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/loto-work-permit"
	admin := bearer(t, "root", domain.RoleAdmin)

	_, data := doJSON(t, client, http.MethodPost, base, map[string]any{
		"bd_slip_no":                     "BD-7",
		"permit_date":                    "2024-05-01",
		"plant":                          "Plant A",
		"shift":                          "B",
		"presence_of_bay_manager_shift1": true,
	}, admin)
	url := fmt.Sprintf("%s/%d", base, decodeMessage(t, data).Record.ID)
	if res, data := doJSON(t, client, http.MethodPost, url+"/approve", nil, bearer(t, "bob", domain.RoleBayManager)); res.StatusCode != http.StatusOK {
		t.Fatalf("approve %d: %s", res.StatusCode, string(data))
	}

	rawRecord := func() map[string]json.RawMessage {
		t.Helper()
		res, data := doJSON(t, client, http.MethodGet, url, nil, admin)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get %d: %s", res.StatusCode, string(data))
		}
		var out map[string]json.RawMessage
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		return out
	}
	before := rawRecord()
	if string(before["status"]) != `"PENDING_MAINTENANCE"` {
		t.Fatalf("status = %s", before["status"])
	}

	res, data := doJSON(t, client, http.MethodPut, url, map[string]any{"plant": "Plant B"}, bearer(t, "mia", domain.RoleMaintenanceIncharge))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update %d: %s", res.StatusCode, string(data))
	}
	after := rawRecord()
	if string(after["plant"]) != `"Plant B"` {
		t.Fatalf("plant = %s", after["plant"])
	}
	if string(after["bay_manager_approved_by"]) != `"bob"` {
		t.Fatalf("bay_manager_approved_by = %s", after["bay_manager_approved_by"])
	}
	if len(after) != len(before) {
		t.Fatalf("field count changed: %d -> %d", len(before), len(after))
	}
	for k, v := range before {
		if k == "plant" {
			continue
		}
		if string(after[k]) != string(v) {
			t.Fatalf("%s changed: %s -> %s", k, v, after[k])
		}
	}
}

func TestListSummaryAndFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/loto-work-permit"
	admin := bearer(t, "root", domain.RoleAdmin)

	var ids []int64
	for _, plant := range []string{"North", "South", "North Annex"} {
		_, data := doJSON(t, client, http.MethodPost, base, map[string]any{"plant": plant, "permit_date": "2024-05-01"}, admin)
		ids = append(ids, decodeMessage(t, data).Record.ID)
	}
	doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/%d/approve", base, ids[1]), nil, admin)

	list := func(query string, headers map[string]string) []domain.Permit {
		t.Helper()
		res, data := doJSON(t, client, http.MethodGet, base+query, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list %s status %d: %s", query, res.StatusCode, string(data))
		}
		var out []domain.Permit
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		return out
	}
	if got := list("", nil); len(got) != 3 || got[0].ID != ids[2] {
		t.Fatalf("list all: %d", len(got))
	}
	if got := list("?plant=north", nil); len(got) != 2 {
		t.Fatalf("plant filter: %d", len(got))
	}
	if got := list("?status=PENDING_MAINTENANCE", nil); len(got) != 1 || got[0].ID != ids[1] {
		t.Fatalf("status filter: %+v", got)
	}
	if got := list("?status=PENDING_BAY&status=PENDING_MAINTENANCE", nil); len(got) != 3 {
		t.Fatalf("repeated status filter: %d", len(got))
	}
	if got := list("?awaiting_me=true", bearer(t, "mia", domain.RoleMaintenanceIncharge)); len(got) != 1 {
		t.Fatalf("awaiting me: %d", len(got))
	}
	if got := list("?awaiting_me=true", nil); len(got) != 0 {
		t.Fatalf("anonymous inbox must be empty: %d", len(got))
	}

	res, data := doJSON(t, client, http.MethodGet, base+"?date_from=May-1", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"?status=DONE", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var sum domain.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if sum.Total != 3 || sum.ByStatus[domain.StatusPendingBay] != 2 || sum.ByStatus[domain.StatusApproved] != 0 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestIdentityEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Username != auth.UnknownIdentity || me.Role != "user" || me.Authenticated {
		t.Fatalf("anonymous me: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/dev/login", map[string]any{"username": "bob", "role": "bay_manager"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("dev login body: %s", string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Username != "bob" || me.Role != "bay_manager" || !me.Authenticated {
		t.Fatalf("me: %+v", me)
	}
}

func TestHealthDocsAndRequestID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, map[string]string{"X-Request-Id": "req-42"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
	if got := res.Header.Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("request id not echoed: %q", got)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("request id not generated")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := oas["paths"].(map[string]any)["/api/loto-work-permit/{id}/approve"]; !ok {
		t.Fatalf("approve path missing from openapi")
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown route %d: %s", res.StatusCode, string(data))
	}
}

func TestInternalErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewWriter(&buf, "info", "text")
	ctx := context.WithValue(context.Background(), loggerKey{}, l)

	se := handleError(ctx, fmt.Errorf("scan permit: %w", io.ErrUnexpectedEOF))
	if se.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("status = %d", se.GetStatus())
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte(`err="scan permit: unexpected EOF"`)) {
		t.Fatalf("log line lacks error attr: %q", out)
	}
}
