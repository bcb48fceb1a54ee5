package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHTTPMetricsUseRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/conversations/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/conversations/:id", "204"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conversations/12", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conversations/13", nil))

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/conversations/:id", "204"))
	assert.Equal(t, before+2, after)
}

func TestGRPCInterceptorCountsStatus(t *testing.T) {
	interceptor := GRPCServerMetricsUnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	counter := grpcServerHandledTotal.WithLabelValues("grpc.health.v1.Health", "Check", codes.NotFound.String())
	before := testutil.ToFloat64(counter)

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Watch")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Watch", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestCoreCounters(t *testing.T) {
	before := testutil.ToFloat64(gapFillsTotal)
	IncGapFill()
	assert.Equal(t, before+1, testutil.ToFloat64(gapFillsTotal))

	delivered := broadcastDeliveriesTotal.WithLabelValues("new_message", "delivered")
	before = testutil.ToFloat64(delivered)
	IncBroadcast("new_message", "delivered")
	assert.Equal(t, before+1, testutil.ToFloat64(delivered))
}
