package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	qtx "github.com/qbixus/qtx-tm"
	"github.com/qbixus/qtx-tm/recoverylog"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body)
}

func TestNew(t *testing.T) {
	t.Run("Выключенная телеметрия не отдает метрики", func(t *testing.T) {
		assert_ := assert.New(t)

		// Act
		act, actErr := New(Config{})

		assert_.NoError(actErr)
		code, _ := scrape(t, act.Handler)
		assert_.Equal(http.StatusNotFound, code)
		assert_.NoError(act.Shutdown(t.Context()))
	})

	t.Run("Отдает метрики координатора в формате Prometheus", func(t *testing.T) {
		assert_ := assert.New(t)
		act, actErr := New(Config{Enabled: true, ServiceName: "qtx-test", TraceSampleRatio: 2})
		assert_.NoError(actErr)
		defer act.Shutdown(context.Background())
		c, err := qtx.New(recoverylog.NewMemoryLog(), act.Options()...)
		assert_.NoError(err)
		assert_.NoError(c.Start(t.Context()))
		defer c.Shutdown(context.Background())

		// Act
		ctx, _, err := c.Begin(t.Context(), 0)
		assert_.NoError(err)
		assert_.NoError(c.Commit(ctx))

		code, body := scrape(t, act.Handler)
		assert_.Equal(http.StatusOK, code)
		assert_.Contains(body, "qtx_transactions_begun")
		assert_.Contains(body, "qtx_transactions_committed")
		assert_.Contains(body, `service_name="qtx-test"`)
	})
}
