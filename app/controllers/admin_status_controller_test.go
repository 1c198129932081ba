package controllers_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LingoBill/app/controllers"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billingtest"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
	"github.com/ManuelReschke/LingoBill/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/LingoBill/internal/pkg/outbox"
)

func TestAdminStatusController_HandleStatus(t *testing.T) {
	h := billingtest.NewHarness(t)
	q := outbox.NewQueue(h.Redis, outbox.Config{Workers: 1})
	require.NoError(t, q.Publish(context.Background(), events.Event{ID: "ev-1", Type: events.TypeReceiptMail, OrderID: "o-1"}))

	counters := counter.New(h.Redis)
	require.NoError(t, counters.Add(context.Background(), "sweep_renewed", 3))

	app := fiber.New()
	app.Get("/admin/status", controllers.NewAdminStatusController(h.Gateway, q, counters).HandleStatus)

	resp, err := app.Test(httptest.NewRequest("GET", "/admin/status", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Breakers map[string]string `json:"breakers"`
		Today    map[string]int64  `json:"today"`
		Outbox   struct {
			Pending    int64 `json:"pending"`
			Processing int64 `json:"processing"`
		} `json:"outbox"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "closed", body.Breakers["gateway-interactive"])
	assert.Equal(t, "closed", body.Breakers["gateway-recurring"])
	assert.Equal(t, int64(3), body.Today["sweep_renewed"])
	assert.Equal(t, int64(1), body.Outbox.Pending)
	assert.Equal(t, int64(0), body.Outbox.Processing)
}
