package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"towngate/internal/models"
	"towngate/internal/services"
)

func TestStatusHandler(t *testing.T) {
	conns := services.NewConnectionManager()
	conns.Register(services.NewBotConnection(models.BotSession{
		Token:   "tok-1",
		AgentID: "a1",
	}, nil, services.NewSubscriptionMatcher(nil)))

	app := fiber.New()
	app.Get("/gateway/status", NewStatusHandler(conns, "1.0.0").Handle)

	res, err := app.Test(httptest.NewRequest(http.MethodGet, "/gateway/status", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	raw, _ := io.ReadAll(res.Body)
	var body struct {
		Status      string  `json:"status"`
		Uptime      float64 `json:"uptime"`
		Connections int     `json:"connections"`
		Version     string  `json:"version"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Connections != 1 {
		t.Errorf("connections = %d, want 1", body.Connections)
	}
	if body.Version != "1.0.0" {
		t.Errorf("version = %q", body.Version)
	}
	if body.Uptime < 0 {
		t.Errorf("uptime = %f", body.Uptime)
	}
}
