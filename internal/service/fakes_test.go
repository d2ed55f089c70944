package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"payment-service/internal/models"
	"payment-service/internal/ports"
)

type fakeGateway struct {
	name string

	mu           sync.Mutex
	createErr    error
	createPanics bool
	onCreate     func()
	status       models.TransactionStatus
	statusErr    error
	refundErr    error
	invalidSig   bool
	verifyErr    error
	cancelErr    error
	cancelled    []string
	created      []ports.PaymentRequest
	refunds      []ports.RefundRequest
}

func newFakeGateway(name string) *fakeGateway {
	return &fakeGateway{name: name, status: models.TxStatusApproved}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreatePayment(ctx context.Context, req ports.PaymentRequest) (*ports.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.onCreate != nil {
		g.onCreate()
	}
	if g.createPanics {
		panic("boom")
	}
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	return &ports.PaymentIntent{
		GatewayOrderID: "gw-" + req.OrderID,
		RedirectURL:    "https://pay.example/" + req.OrderID,
		RawResponse:    []byte(`{"ok":true}`),
	}, nil
}

// VerifyWebhook treats the body as the gateway order id.
func (g *fakeGateway) VerifyWebhook(ctx context.Context, body []byte, headers map[string]string) (*ports.WebhookVerification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if g.invalidSig {
		return &ports.WebhookVerification{Valid: false}, nil
	}
	return &ports.WebhookVerification{
		Valid: true,
		Event: ports.WebhookEvent{Type: "payment.updated", GatewayOrderID: string(body)},
	}, nil
}

func (g *fakeGateway) GetPaymentStatus(ctx context.Context, gatewayOrderID string) (*ports.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return &ports.PaymentStatus{Status: g.status, RawResponse: []byte(`{}`)}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	return &ports.RefundResult{RefundID: fmt.Sprintf("re_%d", len(g.refunds)), Status: "succeeded"}, nil
}

func (g *fakeGateway) CancelPayment(ctx context.Context, gatewayOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, gatewayOrderID)
	return nil
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

type fakeResolver struct {
	def *fakeGateway
	all map[string]*fakeGateway
}

func newFakeResolver(gws ...*fakeGateway) *fakeResolver {
	r := &fakeResolver{def: gws[0], all: make(map[string]*fakeGateway)}
	for _, gw := range gws {
		r.all[gw.name] = gw
	}
	return r
}

func (r *fakeResolver) Default() ports.PaymentGateway { return r.def }

func (r *fakeResolver) Get(name string) (ports.PaymentGateway, error) {
	gw, ok := r.all[name]
	if !ok {
		return nil, errors.New("unknown gateway " + name)
	}
	return gw, nil
}

type recordingPublisher struct {
	ports.NopPublisher
	mu     sync.Mutex
	paid   int
	failed int
}

func (p *recordingPublisher) PublishOrderPaid(context.Context, *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid++
	return nil
}

func (p *recordingPublisher) PublishOrderFailed(context.Context, *models.OrderFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
	return nil
}
