package telemetry_test

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"

	qtx "github.com/qbixus/qtx-tm"
	"github.com/qbixus/qtx-tm/recoverylog"
	"github.com/qbixus/qtx-tm/telemetry"
)

func ExampleNew() {
	tel, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "billing"})
	if err != nil {
		return
	}
	defer tel.Shutdown(context.Background())

	c, err := qtx.New(recoverylog.NewMemoryLog(),
		qtx.WithMeterProvider(tel.MeterProvider),
		qtx.WithTracerProvider(tel.TracerProvider))
	if err != nil {
		return
	}
	if err := c.Start(context.Background()); err != nil {
		return
	}
	defer c.Shutdown(context.Background())

	ctx, _, err := c.Begin(context.Background(), 0)
	if err != nil {
		return
	}
	if err := c.Commit(ctx); err != nil {
		return
	}

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	fmt.Println(strings.Contains(string(body), "qtx_transactions_committed"))

	// Output:
	// true
}
