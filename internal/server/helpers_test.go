package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/database"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/gateway"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-secret"
	testIssuer        = "inkwell-test"
)

type testStack struct {
	server    *httptest.Server
	issuer    *auth.TokenIssuer
	users     *users.Service
	documents *documents.Service
	gateway   *gateway.Gateway
}

func newTestStack(t *testing.T, logger *zap.Logger) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "inkwell.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create documents service: %v", err)
	}
	registry := prometheus.NewRegistry()
	realtimeGateway, err := gateway.New(gateway.Config{
		Validator:  validator,
		Identities: usersService,
		Documents:  documentsService,
		Metrics:    gateway.NewMetrics(registry),
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Validator: validator,
		Users:     usersService,
		Documents: documentsService,
		Gateway:   realtimeGateway,
		Gatherer:  registry,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	for _, identity := range []struct{ id, name string }{{"alice", "Alice"}, {"bob", "Bob"}} {
		if _, err := usersService.Register(context.Background(), identity.id, identity.name, ""); err != nil {
			t.Fatalf("failed to register %s: %v", identity.id, err)
		}
	}

	return &testStack{
		server:    server,
		issuer:    issuer,
		users:     usersService,
		documents: documentsService,
		gateway:   realtimeGateway,
	}
}

func (s *testStack) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) request(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response.StatusCode, payload
}

func (s *testStack) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/realtime"
	if token != "" {
		url += "?access_token=" + token
	}
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, response, err
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	frame, err := gateway.EncodeEvent(event, data)
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to write event: %v", err)
	}
}

// readUntil reads frames until one with the given event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) gateway.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("failed to set read deadline: %v", err)
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var envelope gateway.Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		if envelope.Event == event {
			return envelope
		}
	}
}

func decodeBody(t *testing.T, payload []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(payload, target); err != nil {
		t.Fatalf("failed to decode body %s: %v", payload, err)
	}
}
