package external

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/novaproto/orchestrator/internal/circuitbreaker"
)

// HTTPIngressConfigApplier pushes the full ingress routing table to the
// edge/ingress tier over HTTP (§6 "idempotent full-config upload model").
type HTTPIngressConfigApplier struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

func NewHTTPIngressConfigApplier(baseURL string) *HTTPIngressConfigApplier {
	return &HTTPIngressConfigApplier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(breakerConfig()),
	}
}

// SetAuthToken attaches a bearer credential to every subsequent request,
// resolved out of the encrypted secrets store at startup.
func (a *HTTPIngressConfigApplier) SetAuthToken(token string) {
	a.authToken = token
}

func (a *HTTPIngressConfigApplier) ApplyRoutes(ctx context.Context, routes []IngressRoute) error {
	if !a.breaker.Allow() {
		return ErrBreakerOpen
	}
	err := httpJSON(ctx, a.client, http.MethodPost, a.baseURL+"/routes", a.authToken, routes, nil)
	a.record(err)
	return err
}

func (a *HTTPIngressConfigApplier) RemoveRoute(ctx context.Context, subdomain string) error {
	if !a.breaker.Allow() {
		return ErrBreakerOpen
	}
	err := httpJSON(ctx, a.client, http.MethodDelete, fmt.Sprintf("%s/routes/%s", a.baseURL, subdomain), a.authToken, nil, nil)
	a.record(err)
	return err
}

func (a *HTTPIngressConfigApplier) record(err error) {
	if err != nil {
		a.breaker.RecordFailure()
	} else {
		a.breaker.RecordSuccess()
	}
}
