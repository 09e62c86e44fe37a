package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sandbox is an in-process gateway for local runs. Charges stay pending
// until Settle is called or, when ApproveAfter > 0, until that much time
// has passed since creation.
type Sandbox struct {
	ApproveAfter time.Duration
	BaseURL      string

	clock   func() time.Time
	mu      sync.Mutex
	charges map[string]*sandboxCharge
	tokens  map[string]string
}

type sandboxCharge struct {
	created time.Time
	status  Status
}

func NewSandbox(approveAfter time.Duration, clock func() time.Time) *Sandbox {
	if clock == nil {
		clock = time.Now
	}
	return &Sandbox{
		ApproveAfter: approveAfter,
		BaseURL:      "https://sandbox.invalid/pay/",
		clock:        clock,
		charges:      make(map[string]*sandboxCharge),
		tokens:       make(map[string]string),
	}
}

func (s *Sandbox) CreateCharge(_ context.Context, req ChargeRequest) (Charge, error) {
	if req.Amount <= 0 {
		return Charge{}, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, seen := s.tokens[req.IdempotencyToken]
	if !seen || req.IdempotencyToken == "" {
		id = uuid.NewString()
		s.charges[id] = &sandboxCharge{created: s.clock(), status: StatusPending}
		if req.IdempotencyToken != "" {
			s.tokens[req.IdempotencyToken] = id
		}
	}
	qr := fmt.Sprintf("00020126sandbox%s5204000053039865406%d", id, req.Amount)
	return Charge{
		ID:           id,
		QRCode:       qr,
		QRCodeBase64: base64.StdEncoding.EncodeToString([]byte(qr)),
		PaymentURL:   s.BaseURL + id,
	}, nil
}

func (s *Sandbox) GetChargeStatus(_ context.Context, chargeID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.charges[chargeID]
	if !ok {
		return "", fmt.Errorf("%w: unknown charge %s", ErrUnavailable, chargeID)
	}
	if c.status == StatusPending && s.ApproveAfter > 0 && s.clock().Sub(c.created) >= s.ApproveAfter {
		c.status = StatusApproved
	}
	return c.status, nil
}

// Settle forces a charge into a final status.
func (s *Sandbox) Settle(chargeID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeID]
	if !ok {
		return fmt.Errorf("unknown charge %s", chargeID)
	}
	c.status = status
	return nil
}
