package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const hostInfoTask = `{"type":"TASK","id":"7","plugin":"sysinfo","commandClsId":"HOST_INFO"}`

func TestSubmitRequiresAdminToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   int
		reason string
	}{
		{name: "no header", header: "", want: http.StatusUnauthorized, reason: errNoCredentials.Error()},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized, reason: errNotBearer.Error()},
		{name: "empty token", header: "Bearer   ", want: http.StatusUnauthorized, reason: errEmptyToken.Error()},
		{name: "wrong token", header: "Bearer " + testToken + "x", want: http.StatusUnauthorized, reason: errBadToken.Error()},
		{name: "valid", header: "Bearer " + testToken, want: http.StatusAccepted},
		{name: "lowercase scheme", header: "bearer " + testToken, want: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intake := &fakeIntake{}
			h := newTestServer(intake, &fakeWorkers{}, nil)

			req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(hostInfoTask))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
			if tt.want != http.StatusUnauthorized {
				if len(intake.submitted) != 1 {
					t.Fatalf("expected the task to be submitted, got %d items", len(intake.submitted))
				}
				return
			}
			if len(intake.submitted) != 0 {
				t.Fatalf("rejected request must not reach intake")
			}
			if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
				t.Fatalf("expected Bearer challenge, got %q", got)
			}
			var er ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if er.Error != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, er.Error)
			}
		})
	}
}

func TestAgentWithoutTokenRejectsEveryone(t *testing.T) {
	t.Parallel()

	s := New(Config{Listen: "127.0.0.1:0"}, &fakeIntake{}, &fakeWorkers{}, nil, slog.New(slog.DiscardHandler))
	h := s.Handler()

	for _, path := range []string{"/workers", "/events/snapshot"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer anything")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz should stay public, got %d", rec.Code)
	}
}
