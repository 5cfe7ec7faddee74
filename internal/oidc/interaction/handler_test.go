package interaction

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirplay/sandbox/internal/oidc/engine"
)

type fakeAccounts map[string]string

func (f fakeAccounts) Verify(username, password string) (string, bool) {
	if f[username] != "" && f[username] == password {
		return "acct-" + username, true
	}
	return "", false
}

func newHandlerServer(t *testing.T) (*echo.Echo, *fakeEngine) {
	t.Helper()
	ctl, eng, _ := newTestController(t)
	h := NewHandler(ctl, fakeAccounts{"argonaut": "fhir-demo"}, zerolog.Nop())
	e := echo.New()
	h.RegisterRoutes(e.Group("/oauth2"))
	return e, eng
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}

func TestHandleGetInteraction(t *testing.T) {
	e, eng := newHandlerServer(t)
	eng.interactions["u1"] = &engine.Interaction{
		UID:    "u1",
		Params: engine.AuthParams{ClientID: "demo-app", Scope: "openid"},
	}

	req := httptest.NewRequest(http.MethodGet, "/oauth2/api/interaction/u1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ictx Context
	if err := json.Unmarshal(rec.Body.Bytes(), &ictx); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ictx.UID != "u1" || ictx.ClientID != "demo-app" {
		t.Errorf("unexpected context: %+v", ictx)
	}
}

func TestHandleGetInteraction_NotFound(t *testing.T) {
	e, _ := newHandlerServer(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth2/api/interaction/missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "interaction_not_found" {
		t.Errorf("error = %q", body["error"])
	}
}

func postLogin(e *echo.Echo, uid, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/oauth2/api/interaction/"+uid+"/login", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandleLogin_Success(t *testing.T) {
	e, eng := newHandlerServer(t)
	eng.interactions["u1"] = &engine.Interaction{
		UID:    "u1",
		Params: engine.AuthParams{ClientID: "demo-app", Scope: "openid"},
	}

	rec := postLogin(e, "u1", `{"username":"argonaut","password":"fhir-demo"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["redirectTo"] != eng.redirectTo {
		t.Errorf("redirectTo = %q", body["redirectTo"])
	}
	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if cookie.Value != eng.sessionID || !cookie.HttpOnly {
		t.Errorf("cookie: %+v", cookie)
	}
}

func TestHandleLogin_MissingCredentials(t *testing.T) {
	e, _ := newHandlerServer(t)

	rec := postLogin(e, "u1", `{"username":"argonaut"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleLogin_BadCredentials(t *testing.T) {
	e, eng := newHandlerServer(t)
	eng.interactions["u1"] = &engine.Interaction{UID: "u1"}

	rec := postLogin(e, "u1", `{"username":"argonaut","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLogin_ExpiredInteraction(t *testing.T) {
	e, _ := newHandlerServer(t)

	rec := postLogin(e, "gone", `{"username":"argonaut","password":"fhir-demo"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleLogout(t *testing.T) {
	e, eng := newHandlerServer(t)
	eng.sessions["sess-1"] = "acct-argonaut"

	req := httptest.NewRequest(http.MethodPost, "/oauth2/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "logged-out" {
		t.Errorf("status = %q", body["status"])
	}
	cookie := sessionCookie(rec)
	if cookie == nil || cookie.MaxAge != -1 {
		t.Errorf("expected expired session cookie, got %+v", cookie)
	}
}

func TestHandleLogout_NoCookie(t *testing.T) {
	e, _ := newHandlerServer(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth2/logout", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no-active-session") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleLogout_StaleSession(t *testing.T) {
	e, _ := newHandlerServer(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth2/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "long-gone"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no-active-session") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
