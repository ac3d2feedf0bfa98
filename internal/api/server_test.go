package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trenches-waitlist/internal/auth"
	"github.com/trenches-waitlist/internal/config"
	apperrors "github.com/trenches-waitlist/internal/errors"
	"github.com/trenches-waitlist/internal/models"
	"github.com/trenches-waitlist/internal/ratelimit"
	"github.com/trenches-waitlist/internal/registration"
	"github.com/trenches-waitlist/internal/types"
)

const testSecret = "test-jwt-secret"

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

// Mock services for testing
type mockRegistration struct {
	syncFunc     func(ctx context.Context, principal *auth.Principal, payload registration.SyncPayload) (*models.IdentityView, error)
	lookupFunc   func(ctx context.Context, supabaseID string) (*models.IdentityView, error)
	validateFunc func(ctx context.Context, code string) (*models.ReferrerSummary, error)
	syncCalls    int
}

func (m *mockRegistration) SyncIdentity(ctx context.Context, principal *auth.Principal, payload registration.SyncPayload) (*models.IdentityView, error) {
	m.syncCalls++
	if m.syncFunc != nil {
		return m.syncFunc(ctx, principal, payload)
	}
	return testView(principal.ID, payload.Handle), nil
}

func (m *mockRegistration) LookupIdentity(ctx context.Context, supabaseID string) (*models.IdentityView, error) {
	if m.lookupFunc != nil {
		return m.lookupFunc(ctx, supabaseID)
	}
	if supabaseID == "" {
		return nil, apperrors.NewInvalidParameterError("supabaseId", "is required")
	}
	return nil, nil
}

func (m *mockRegistration) ValidateReferralCode(ctx context.Context, code string) (*models.ReferrerSummary, error) {
	if m.validateFunc != nil {
		return m.validateFunc(ctx, code)
	}
	return nil, nil
}

type mockPlatformConfig struct {
	cfg *models.PlatformConfig
	err error
}

func (m *mockPlatformConfig) Get(ctx context.Context) (*models.PlatformConfig, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.cfg == nil {
		return models.DefaultPlatformConfig(), nil
	}
	return m.cfg, nil
}

type brokenStore struct{}

func (brokenStore) Name() string { return "broken" }

func (brokenStore) Increment(context.Context, string, int, time.Duration, time.Time) (ratelimit.WindowState, error) {
	return ratelimit.WindowState{}, errors.New("connection refused")
}

func testView(principalID, handle string) *models.IdentityView {
	h := handle
	if h == "" {
		h = "@user_" + principalID
	}
	identity := &models.Identity{
		ID:           "id-" + principalID,
		SupabaseID:   principalID,
		Handle:       &h,
		ReferralCode: "A1B2C3D4",
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	return models.NewIdentityView(identity, models.DerivedFields{Position: 1})
}

type testServerOptions struct {
	store          ratelimit.CounterStore
	policies       ratelimit.Policies
	registration   *mockRegistration
	platformConfig *mockPlatformConfig
}

// Helper function to create test server
func createTestServer(t *testing.T, opts testServerOptions) *Server {
	t.Helper()

	if opts.store == nil {
		opts.store = ratelimit.NewMemoryStore(nil)
	}
	if opts.registration == nil {
		opts.registration = &mockRegistration{}
	}
	if opts.platformConfig == nil {
		opts.platformConfig = &mockPlatformConfig{}
	}

	controller, err := ratelimit.NewController(&ratelimit.ControllerConfig{
		Store:    opts.store,
		Policies: opts.policies,
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}

	authenticator, err := auth.NewJWTAuthenticator(config.AuthConfig{
		JWTSecret:  testSecret,
		Audience:   "authenticated",
		CookieName: "sb-access-token",
	}, func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("Failed to create authenticator: %v", err)
	}

	server, err := NewServer(&ServerConfig{
		Host:          "localhost",
		Port:          "8080",
		AllowedOrigin: "https://playtrenches.xyz",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
	}, Dependencies{
		Admission:      controller,
		Registration:   opts.registration,
		PlatformConfig: opts.platformConfig,
		Authenticator:  authenticator,
	})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return server
}

func signToken(t *testing.T, subject, email string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"aud":   "authenticated",
		"role":  "authenticated",
		"exp":   testNow.Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func syncRequest(t *testing.T, subject string, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/user/sync", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, subject, subject+"@example.com"))
	}
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, body io.Reader) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return resp.Error
}

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, testServerOptions{})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get(HeaderRateLimitLimit) != "" {
		t.Error("Health endpoint should not carry rate limit headers")
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", response["status"])
	}
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	if _, err := NewServer(nil, Dependencies{}); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := NewServer(&ServerConfig{}, Dependencies{}); err == nil {
		t.Error("Expected error for missing dependencies")
	}
}

func TestAdmission_Headers(t *testing.T) {
	server := createTestServer(t, testServerOptions{})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get(HeaderRateLimitLimit); got != strconv.Itoa(ratelimit.DefaultGeneralLimit) {
		t.Errorf("Expected limit %d, got %s", ratelimit.DefaultGeneralLimit, got)
	}
	if got := w.Header().Get(HeaderRateLimitRemaining); got != strconv.Itoa(ratelimit.DefaultGeneralLimit-1) {
		t.Errorf("Expected remaining %d, got %s", ratelimit.DefaultGeneralLimit-1, got)
	}
	wantReset := strconv.FormatInt(testNow.Add(ratelimit.DefaultWindow).UnixMilli(), 10)
	if got := w.Header().Get(HeaderRateLimitReset); got != wantReset {
		t.Errorf("Expected reset %s, got %s", wantReset, got)
	}
	if got := w.Header().Get(HeaderRetryAfter); got != "" {
		t.Errorf("Admitted request should not carry Retry-After, got %s", got)
	}
}

func TestAdmission_RejectsOverBudget(t *testing.T) {
	reg := &mockRegistration{}
	server := createTestServer(t, testServerOptions{
		registration: reg,
		policies: ratelimit.Policies{
			types.ClassUserSync: {Limit: 2, Window: time.Minute},
			types.ClassDefault:  {Limit: 60, Window: time.Minute},
		},
	})

	for i := 0; i < 2; i++ {
		w := serve(server, syncRequest(t, "user-1", `{}`))
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i+1, w.Code)
		}
	}

	w := serve(server, syncRequest(t, "user-1", `{}`))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", w.Code)
	}
	if got := w.Header().Get(HeaderRetryAfter); got != "60" {
		t.Errorf("Expected Retry-After 60, got %q", got)
	}
	if got := w.Header().Get(HeaderRateLimitRemaining); got != "0" {
		t.Errorf("Expected remaining 0, got %s", got)
	}
	if svcErr := decodeError(t, w.Body); svcErr.Code != apperrors.CodeRateLimitExceeded {
		t.Errorf("Expected code %s, got %s", apperrors.CodeRateLimitExceeded, svcErr.Code)
	}
	if reg.syncCalls != 2 {
		t.Errorf("Rejected request must not reach the handler, got %d sync calls", reg.syncCalls)
	}

	// Another client has its own budget.
	req := syncRequest(t, "user-2", `{}`)
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	if w := serve(server, req); w.Code != http.StatusOK {
		t.Errorf("Expected another client to be admitted, got %d", w.Code)
	}

	// The general budget is separate from the sync budget.
	get := httptest.NewRequest(http.MethodGet, "/api/user/sync?supabaseId=user-1", nil)
	get.Header.Set("X-Forwarded-For", "203.0.113.7")
	if w := serve(server, get); w.Code != http.StatusOK {
		t.Errorf("Expected lookup to be admitted, got %d", w.Code)
	}
}

func TestAdmission_DegradedStoreAdmits(t *testing.T) {
	server := createTestServer(t, testServerOptions{store: brokenStore{}})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get(HeaderRateLimitRemaining); got != strconv.Itoa(ratelimit.DefaultGeneralLimit-1) {
		t.Errorf("Expected remaining %d, got %s", ratelimit.DefaultGeneralLimit-1, got)
	}
}

func TestCORSPreflight(t *testing.T) {
	server := createTestServer(t, testServerOptions{
		policies: ratelimit.Policies{
			types.ClassUserSync: {Limit: 1, Window: time.Minute},
			types.ClassDefault:  {Limit: 60, Window: time.Minute},
		},
	})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodOptions, "/api/user/sync", nil)
		req.Header.Set("Origin", "https://playtrenches.xyz")
		w := serve(server, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("Expected status 204, got %d", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://playtrenches.xyz" {
			t.Errorf("Expected allowed origin header, got %q", got)
		}
	}

	// Preflights are not charged.
	if w := serve(server, syncRequest(t, "user-1", `{}`)); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 after preflights, got %d", w.Code)
	}
}

func TestSyncIdentity_Success(t *testing.T) {
	var gotPrincipal *auth.Principal
	var gotPayload registration.SyncPayload
	reg := &mockRegistration{
		syncFunc: func(ctx context.Context, principal *auth.Principal, payload registration.SyncPayload) (*models.IdentityView, error) {
			gotPrincipal = principal
			gotPayload = payload
			return testView(principal.ID, payload.Handle), nil
		},
	}
	server := createTestServer(t, testServerOptions{registration: reg})

	body, _ := json.Marshal(map[string]interface{}{
		"handle":         "@alice",
		"walletEvm":      "0x1234567890123456789012345678901234567890",
		"referredByCode": "a1b2c3d4",
	})
	w := serve(server, syncRequest(t, "user-123", string(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotPrincipal == nil || gotPrincipal.ID != "user-123" || gotPrincipal.Email != "user-123@example.com" {
		t.Errorf("Unexpected principal %+v", gotPrincipal)
	}
	if gotPayload.Handle != "@alice" {
		t.Errorf("Expected handle to be decoded, got %q", gotPayload.Handle)
	}
	if gotPayload.ReferredByCode != "a1b2c3d4" {
		t.Errorf("Expected referral code to be decoded, got %q", gotPayload.ReferredByCode)
	}

	var response struct {
		Success bool                   `json:"success"`
		User    map[string]interface{} `json:"user"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !response.Success {
		t.Error("Expected success true")
	}
	if response.User["handle"] != "@alice" {
		t.Errorf("Expected handle @alice, got %v", response.User["handle"])
	}
	if response.User["joinedAt"] != "Mar 14, 2025" {
		t.Errorf("Expected joinedAt 'Mar 14, 2025', got %v", response.User["joinedAt"])
	}
	if response.User["position"] != float64(1) {
		t.Errorf("Expected position 1, got %v", response.User["position"])
	}
}

func TestSyncIdentity_CookieToken(t *testing.T) {
	server := createTestServer(t, testServerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/sync", strings.NewReader(`{}`))
	req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: signToken(t, "user-cookie", "")})

	if w := serve(server, req); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestSyncIdentity_Unauthorized(t *testing.T) {
	reg := &mockRegistration{}
	server := createTestServer(t, testServerOptions{registration: reg})

	w := serve(server, syncRequest(t, "", `{}`))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	if svcErr := decodeError(t, w.Body); svcErr.Code != apperrors.CodeUnauthorized {
		t.Errorf("Expected code %s, got %s", apperrors.CodeUnauthorized, svcErr.Code)
	}
	if reg.syncCalls != 0 {
		t.Error("Unauthenticated request must not reach the coordinator")
	}
}

func TestSyncIdentity_BadBody(t *testing.T) {
	server := createTestServer(t, testServerOptions{})

	w := serve(server, syncRequest(t, "user-1", `{"handle":`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	big := `{"handle":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	w = serve(server, syncRequest(t, "user-1", big))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for oversized body, got %d", w.Code)
	}
}

func TestSyncIdentity_EmptyBody(t *testing.T) {
	server := createTestServer(t, testServerOptions{})

	w := serve(server, syncRequest(t, "user-1", ""))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for empty body, got %d", w.Code)
	}
}

func TestSyncIdentity_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name: "validation",
			err: apperrors.NewValidationError([]types.FieldError{
				{Field: "handle", Message: "invalid"},
				{Field: "walletEvm", Message: "invalid"},
			}),
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeValidationFailed,
		},
		{
			name:       "handle taken",
			err:        apperrors.NewHandleTakenError("@alice"),
			wantStatus: http.StatusConflict,
			wantCode:   apperrors.CodeHandleTaken,
		},
		{
			name:       "self referral",
			err:        apperrors.NewSelfReferralError(),
			wantStatus: http.StatusConflict,
			wantCode:   apperrors.CodeSelfReferral,
		},
		{
			name:       "database",
			err:        apperrors.NewDatabaseError("create identity", errors.New("pq: secret detail")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperrors.CodeInternalError,
		},
		{
			name:       "uncategorized",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperrors.CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &mockRegistration{
				syncFunc: func(context.Context, *auth.Principal, registration.SyncPayload) (*models.IdentityView, error) {
					return nil, tt.err
				},
			}
			server := createTestServer(t, testServerOptions{registration: reg})

			w := serve(server, syncRequest(t, "user-1", `{}`))

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			raw := w.Body.String()
			if strings.Contains(raw, "secret detail") || strings.Contains(raw, "boom") {
				t.Errorf("Response leaked internal detail: %s", raw)
			}
			svcErr := decodeError(t, bytes.NewBufferString(raw))
			if svcErr.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, svcErr.Code)
			}
			if tt.wantCode == apperrors.CodeValidationFailed {
				fields, ok := svcErr.Details["fields"].([]interface{})
				if !ok || len(fields) != 2 {
					t.Errorf("Expected two field errors, got %v", svcErr.Details["fields"])
				}
			}
		})
	}
}

func TestLookupIdentity(t *testing.T) {
	reg := &mockRegistration{
		lookupFunc: func(ctx context.Context, supabaseID string) (*models.IdentityView, error) {
			switch supabaseID {
			case "":
				return nil, apperrors.NewInvalidParameterError("supabaseId", "is required")
			case "known":
				return testView("known", ""), nil
			default:
				return nil, nil
			}
		},
	}
	server := createTestServer(t, testServerOptions{registration: reg})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/user/sync", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing supabaseId, got %d", w.Code)
	}

	w = serve(server, httptest.NewRequest(http.MethodGet, "/api/user/sync?supabaseId=unknown", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var missing map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&missing); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if missing["exists"] != false {
		t.Errorf("Expected exists false, got %v", missing["exists"])
	}
	if _, ok := missing["user"]; ok {
		t.Error("Expected no user for unknown identity")
	}

	w = serve(server, httptest.NewRequest(http.MethodGet, "/api/user/sync?supabaseId=known", nil))
	var found lookupResponse
	if err := json.NewDecoder(w.Body).Decode(&found); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !found.Exists || found.User == nil || found.User.SupabaseID != "known" {
		t.Errorf("Expected the known identity, got %+v", found)
	}
}

func TestValidateReferral(t *testing.T) {
	handle := "@bob"
	reg := &mockRegistration{
		validateFunc: func(ctx context.Context, code string) (*models.ReferrerSummary, error) {
			switch strings.ToUpper(code) {
			case "A1B2C3D4":
				return &models.ReferrerSummary{Handle: &handle, Code: "A1B2C3D4"}, nil
			case "DEADBEEF":
				return nil, errors.New("connection reset")
			default:
				return nil, nil
			}
		},
	}
	server := createTestServer(t, testServerOptions{registration: reg})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantValid  bool
		wantError  string
	}{
		{"missing", "", http.StatusBadRequest, false, "Missing referral code"},
		{"unknown", "?code=FFFFFFFF", http.StatusOK, false, "Invalid referral code"},
		{"known lower case", "?code=a1b2c3d4", http.StatusOK, true, ""},
		{"store failure", "?code=DEADBEEF", http.StatusInternalServerError, false, "Failed to validate referral code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(server, httptest.NewRequest(http.MethodGet, "/api/referral/validate"+tt.query, nil))
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp referralValidationResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Valid != tt.wantValid {
				t.Errorf("Expected valid %v, got %v", tt.wantValid, resp.Valid)
			}
			if resp.Error != tt.wantError {
				t.Errorf("Expected error %q, got %q", tt.wantError, resp.Error)
			}
			if tt.wantValid && (resp.Referrer == nil || *resp.Referrer.Handle != "@bob") {
				t.Errorf("Expected referrer @bob, got %+v", resp.Referrer)
			}
		})
	}
}

func TestGetConfig(t *testing.T) {
	stored := models.DefaultPlatformConfig()
	stored.PlatformName = "Trenches Beta"
	server := createTestServer(t, testServerOptions{platformConfig: &mockPlatformConfig{cfg: stored}})

	w := serve(server, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	var got models.PlatformConfig
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.PlatformName != "Trenches Beta" {
		t.Errorf("Expected stored platform name, got %s", got.PlatformName)
	}

	server = createTestServer(t, testServerOptions{platformConfig: &mockPlatformConfig{err: errors.New("db down")}})
	w = serve(server, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.PlatformName != models.DefaultPlatformConfig().PlatformName {
		t.Errorf("Expected default platform name, got %s", got.PlatformName)
	}
}

func TestCompression(t *testing.T) {
	server := createTestServer(t, testServerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := serve(server, req)

	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Expected gzip encoding, got %q", got)
	}
}
